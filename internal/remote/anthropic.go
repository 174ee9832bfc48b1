// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pdiddy/docbatch/internal/httputil"
	"github.com/pdiddy/docbatch/pkg/types"
)

const (
	anthropicVersion = "2023-06-01"
	filesBeta        = "files-api-2025-04-14"
)

// AnthropicClient implements Client against the Anthropic Files API and
// Message Batches API.
type AnthropicClient struct {
	cfg     types.RemoteConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewAnthropicClient builds a client from cfg. httpClient may be nil.
func NewAnthropicClient(cfg types.RemoteConfig, httpClient *http.Client) *AnthropicClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &AnthropicClient{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// --- wire types ---

type fileResponse struct {
	ID string `json:"id"`
}

type batchRequest struct {
	Requests []batchItem `json:"requests"`
}

type batchItem struct {
	CustomID string        `json:"custom_id"`
	Params   messageParams `json:"params"`
}

type messageParams struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *blockSource `json:"source,omitempty"`
}

type blockSource struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

type batchResponse struct {
	ID               string        `json:"id"`
	ProcessingStatus string        `json:"processing_status"`
	RequestCounts    requestCounts `json:"request_counts"`
	ResultsURL       string        `json:"results_url"`
}

type requestCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
	Expired    int `json:"expired"`
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string `json:"type"`
		Message struct {
			Content []contentBlock `json:"content"`
			Usage   struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Error json.RawMessage `json:"error"`
	} `json:"result"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Upload streams the file to the Files API as multipart form data.
func (c *AnthropicClient) Upload(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &types.LocalIOError{Op: "stat upload", Path: path, Err: err}
	}
	boundary := multipart.NewWriter(io.Discard).Boundary()

	// The body is opened per attempt through GetBody so retries re-stream
	// the file from the start.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/v1/files"), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return multipartFile(path, boundary)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.Header.Set("anthropic-beta", filesBeta)
	slog.Debug("uploading document", "path", path, "bytes", info.Size())

	data, err := c.do(ctx, "upload", req, c.cfg.RequestTimeout)
	if err != nil {
		return "", err
	}
	var fr fileResponse
	if err := json.Unmarshal(data, &fr); err != nil || fr.ID == "" {
		return "", &types.TransientRemoteError{Op: "upload", Err: fmt.Errorf("unexpected upload response: %s", truncate(data))}
	}
	return fr.ID, nil
}

// SubmitBatch creates one message batch with a request per artifact.
func (c *AnthropicClient) SubmitBatch(ctx context.Context, reqs []Request) (string, error) {
	br := batchRequest{Requests: make([]batchItem, len(reqs))}
	for i, r := range reqs {
		br.Requests[i] = batchItem{
			CustomID: r.CorrelationKey,
			Params: messageParams{
				Model:     c.cfg.Model,
				MaxTokens: c.cfg.MaxTokens,
				Messages: []message{{
					Role: "user",
					Content: []contentBlock{
						{Type: "document", Source: &blockSource{Type: "file", FileID: r.FileHandle}},
						{Type: "text", Text: r.Prompt},
					},
				}},
			},
		}
	}
	payload, err := json.Marshal(br)
	if err != nil {
		return "", fmt.Errorf("marshaling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/v1/messages/batches"), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-beta", filesBeta)

	data, err := c.do(ctx, "submit batch", req, c.cfg.RequestTimeout)
	if err != nil {
		return "", err
	}
	var resp batchResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
		return "", &types.TransientRemoteError{Op: "submit batch", Err: fmt.Errorf("unexpected batch response: %s", truncate(data))}
	}
	return resp.ID, nil
}

// JobStatus maps processing_status and request counts to a JobState.
func (c *AnthropicClient) JobStatus(ctx context.Context, handle string) (JobStatus, error) {
	resp, err := c.batch(ctx, handle)
	if err != nil {
		return JobStatus{}, err
	}
	return mapBatchStatus(resp), nil
}

func mapBatchStatus(resp batchResponse) JobStatus {
	rc := resp.RequestCounts
	switch resp.ProcessingStatus {
	case "ended":
		if rc.Succeeded > 0 {
			return JobStatus{State: JobSucceeded}
		}
		return JobStatus{
			State: JobFailed,
			Error: fmt.Sprintf("batch %s ended without successful requests (errored=%d, canceled=%d, expired=%d)",
				resp.ID, rc.Errored, rc.Canceled, rc.Expired),
		}
	case "in_progress", "canceling":
		if rc.Succeeded+rc.Errored+rc.Canceled+rc.Expired == 0 {
			return JobStatus{State: JobQueued}
		}
		return JobStatus{State: JobRunning}
	default:
		return JobStatus{State: JobRunning}
	}
}

// JobOutput downloads the JSONL results file of a finished batch.
func (c *AnthropicClient) JobOutput(ctx context.Context, handle string) (map[string]Response, error) {
	resp, err := c.batch(ctx, handle)
	if err != nil {
		return nil, err
	}
	resultsURL := resp.ResultsURL
	if resultsURL == "" {
		resultsURL = c.url("/v1/messages/batches/" + handle + "/results")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	data, err := c.do(ctx, "download results", req, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return parseResults(data)
}

func parseResults(data []byte) (map[string]Response, error) {
	out := make(map[string]Response)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			return nil, fmt.Errorf("parsing results line: %w", err)
		}
		r := Response{CorrelationKey: rl.CustomID}
		switch rl.Result.Type {
		case "succeeded":
			var text strings.Builder
			for _, b := range rl.Result.Message.Content {
				if b.Type == "text" {
					text.WriteString(b.Text)
				}
			}
			r.Text = text.String()
			r.Usage = Usage{
				InputTokens:  rl.Result.Message.Usage.InputTokens,
				OutputTokens: rl.Result.Message.Usage.OutputTokens,
			}
		case "errored":
			r.Error = "request errored: " + string(rl.Result.Error)
		default:
			r.Error = "request " + rl.Result.Type
		}
		out[rl.CustomID] = r
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	return out, nil
}

func (c *AnthropicClient) batch(ctx context.Context, handle string) (batchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v1/messages/batches/"+handle), nil)
	if err != nil {
		return batchResponse{}, fmt.Errorf("creating request: %w", err)
	}
	data, err := c.do(ctx, "job status", req, c.cfg.PollTimeout)
	if err != nil {
		return batchResponse{}, err
	}
	var resp batchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return batchResponse{}, &types.TransientRemoteError{Op: "job status", Err: fmt.Errorf("decoding batch: %w", err)}
	}
	return resp, nil
}

// do sends req with auth headers, rate limiting, a per-call timeout, and
// bounded retry, then classifies the outcome.
func (c *AnthropicClient) do(ctx context.Context, op string, req *http.Request, timeout time.Duration) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := httputil.DoWithRetry(callCtx, c.http, req, c.cfg.MaxRetries)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var lerr *types.LocalIOError
		if errors.As(err, &lerr) {
			return nil, lerr
		}
		return nil, &types.TransientRemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.TransientRemoteError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classifyStatus(op, resp.StatusCode, data)
}

// classifyStatus treats 429 and 5xx as transient and every other non-2xx
// status as a permanent rejection.
func classifyStatus(op string, status int, body []byte) error {
	msg := truncate(body)
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
		msg = ae.Error.Type + ": " + ae.Error.Message
	}
	err := errors.New(msg)
	if httputil.Retryable(status) {
		return &types.TransientRemoteError{Op: op, StatusCode: status, Err: err}
	}
	return &types.PermanentRemoteError{Op: op, StatusCode: status, Err: err}
}

func (c *AnthropicClient) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// multipartFile returns a streaming multipart body holding the file at path
// under the form field "file".
func multipartFile(path, boundary string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &types.LocalIOError{Op: "opening upload", Path: path, Err: err}
	}
	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		mw := multipart.NewWriter(pw)
		if err := mw.SetBoundary(boundary); err != nil {
			pw.CloseWithError(err)
			return
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
		h.Set("Content-Type", MediaType(path))
		part, err := mw.CreatePart(h)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()
	return pr, nil
}

// MediaType returns the upload content type for a document path.
func MediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".md":
		return "text/markdown"
	default:
		return "text/plain"
	}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:297] + "..."
	}
	return s
}
