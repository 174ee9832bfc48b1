// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/docbatch/internal/httputil"
	"github.com/pdiddy/docbatch/pkg/types"
)

func TestMain(m *testing.M) {
	httputil.RetryBaseDelay = time.Millisecond
	os.Exit(m.Run())
}

func testClient(baseURL string) *AnthropicClient {
	return NewAnthropicClient(types.RemoteConfig{
		HTTPConfig: types.HTTPConfig{
			RequestTimeout: 5 * time.Second,
			PollTimeout:    time.Second,
			MaxRetries:     2,
		},
		BaseURL:   baseURL,
		APIKey:    "test-key",
		Model:     "test-model",
		MaxTokens: 1000,
	}, nil)
}

func TestUploadSendsMultipartFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, filesBeta, r.Header.Get("anthropic-beta"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "guide.pdf", hdr.Filename)
		assert.Equal(t, "application/pdf", hdr.Header.Get("Content-Type"))
		assert.Equal(t, "%PDF-1.4 fake", string(data))

		fmt.Fprint(w, `{"id":"file_abc","type":"file"}`)
	}))
	defer ts.Close()

	id, err := testClient(ts.URL).Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "file_abc", id)
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		require.NoError(t, err, "body must be replayed on retry")
		f.Close()
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"file_retry"}`)
	}))
	defer ts.Close()

	id, err := testClient(ts.URL).Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "file_retry", id)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSubmitBatchCarriesCorrelationKeys(t *testing.T) {
	var got batchRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/batches", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"id":"msgbatch_1","processing_status":"in_progress"}`)
	}))
	defer ts.Close()

	reqs := []Request{
		{CorrelationKey: "notes_k1", Kind: types.ArtifactNotes, FileHandle: "file_1", Prompt: "notes"},
		{CorrelationKey: "flashcards_k1", Kind: types.ArtifactFlashcards, FileHandle: "file_1", Prompt: "cards"},
		{CorrelationKey: "summary_k1", Kind: types.ArtifactSummary, FileHandle: "file_1", Prompt: "summary"},
	}
	handle, err := testClient(ts.URL).SubmitBatch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_1", handle)

	require.Len(t, got.Requests, 3)
	for i, item := range got.Requests {
		assert.Equal(t, reqs[i].CorrelationKey, item.CustomID)
		assert.Equal(t, "test-model", item.Params.Model)
		require.Len(t, item.Params.Messages, 1)
		content := item.Params.Messages[0].Content
		require.Len(t, content, 2)
		assert.Equal(t, "file_1", content[0].Source.FileID)
		assert.Equal(t, reqs[i].Prompt, content[1].Text)
	}
}

func TestSubmitBatchBadRequestIsPermanent(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"document is malformed"}}`)
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).SubmitBatch(context.Background(), []Request{{CorrelationKey: "k"}})
	require.Error(t, err)

	var perm *types.PermanentRemoteError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, http.StatusBadRequest, perm.StatusCode)
	assert.Contains(t, err.Error(), "document is malformed")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestServerErrorIsTransientAfterRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).JobStatus(context.Background(), "msgbatch_1")
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMapBatchStatus(t *testing.T) {
	tests := []struct {
		name string
		resp batchResponse
		want JobState
	}{
		{"nothing done yet", batchResponse{ProcessingStatus: "in_progress", RequestCounts: requestCounts{Processing: 3}}, JobQueued},
		{"partly done", batchResponse{ProcessingStatus: "in_progress", RequestCounts: requestCounts{Processing: 2, Succeeded: 1}}, JobRunning},
		{"canceling", batchResponse{ProcessingStatus: "canceling", RequestCounts: requestCounts{Succeeded: 1}}, JobRunning},
		{"ended with success", batchResponse{ProcessingStatus: "ended", RequestCounts: requestCounts{Succeeded: 2, Errored: 1}}, JobSucceeded},
		{"ended all errored", batchResponse{ProcessingStatus: "ended", RequestCounts: requestCounts{Errored: 3}}, JobFailed},
		{"ended all expired", batchResponse{ProcessingStatus: "ended", RequestCounts: requestCounts{Expired: 3}}, JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := mapBatchStatus(tt.resp)
			assert.Equal(t, tt.want, st.State)
			if tt.want == JobFailed {
				assert.NotEmpty(t, st.Error)
			}
		})
	}
}

func TestJobOutputParsesResultsByCustomID(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/v1/messages/batches/msgbatch_9", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"id":"msgbatch_9","processing_status":"ended","request_counts":{"succeeded":2,"errored":1},"results_url":"%s/results/msgbatch_9.jsonl"}`, base)
	})
	mux.HandleFunc("/results/msgbatch_9.jsonl", func(w http.ResponseWriter, _ *http.Request) {
		// Deliberately out of submission order.
		fmt.Fprintln(w, `{"custom_id":"summary_x","result":{"type":"succeeded","message":{"content":[{"type":"text","text":"{\"must_know\":[\"a\"]}"}],"usage":{"input_tokens":100,"output_tokens":20}}}}`)
		fmt.Fprintln(w, `{"custom_id":"flashcards_x","result":{"type":"errored","error":{"type":"error","error":{"type":"overloaded_error","message":"busy"}}}}`)
		fmt.Fprintln(w, `{"custom_id":"notes_x","result":{"type":"succeeded","message":{"content":[{"type":"text","text":"part1"},{"type":"text","text":"part2"}],"usage":{"input_tokens":50,"output_tokens":10}}}}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	base = ts.URL

	out, err := testClient(ts.URL).JobOutput(context.Background(), "msgbatch_9")
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "part1part2", out["notes_x"].Text)
	assert.Equal(t, Usage{InputTokens: 50, OutputTokens: 10}, out["notes_x"].Usage)
	assert.Equal(t, `{"must_know":["a"]}`, out["summary_x"].Text)
	assert.Contains(t, out["flashcards_x"].Error, "overloaded_error")
	assert.Empty(t, out["flashcards_x"].Text)
}

func TestPollTimeoutIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := testClient(ts.URL)
	c.cfg.PollTimeout = 50 * time.Millisecond
	c.cfg.MaxRetries = 1

	start := time.Now()
	_, err := c.JobStatus(context.Background(), "msgbatch_slow")
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "application/pdf", MediaType("a/B.PDF"))
	assert.Equal(t, "text/markdown", MediaType("notes.md"))
	assert.Equal(t, "text/plain", MediaType("notes.txt"))
}
