// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package submit discovers inbox documents, validates them before any
// network call, and submits each accepted document as one remote batch of
// three correlated extraction requests.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/internal/remote"
	"github.com/pdiddy/docbatch/pkg/types"
)

const bytesPerMB = 1 << 20

// EstimateCost returns size in MB (2^20 bytes) times pricePerMB. Only float
// noise below 1e-12 is rounded away.
func EstimateCost(size int64, pricePerMB float64) float64 {
	v := float64(size) / bytesPerMB * pricePerMB
	return math.Round(v*1e12) / 1e12
}

// CorrelationKey tags the request for kind within submission id.
func CorrelationKey(kind types.ArtifactKind, id string) string {
	return string(kind) + "_" + id
}

// JobDescriptor is written to processing/<name>/job.yaml after submission so
// the directory view is self-describing.
type JobDescriptor struct {
	Name                string                        `yaml:"name"`
	Source              string                        `yaml:"source"`
	FileHandle          string                        `yaml:"file_handle"`
	JobHandle           string                        `yaml:"job_handle"`
	Correlation         map[types.ArtifactKind]string `yaml:"correlation"`
	SubmittedAt         time.Time                     `yaml:"submitted_at"`
	EstimatedCompletion time.Time                     `yaml:"estimated_completion"`
	CostEstimated       float64                       `yaml:"cost_estimated"`
}

// Engine runs the submission phase.
type Engine struct {
	Repo    manifest.Repository
	Client  remote.Client
	Layout  layout.Layout
	Config  types.SubmissionConfig
	Scanner Scanner

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// NewEngine returns an engine with the pdfcpu page counter, the wall clock,
// and random submission ids.
func NewEngine(repo manifest.Repository, client remote.Client, l layout.Layout, cfg types.SubmissionConfig) *Engine {
	return &Engine{
		Repo:    repo,
		Client:  client,
		Layout:  l,
		Config:  cfg,
		Scanner: Scanner{Config: cfg, CountPages: PDFPageCount},
		Now:     time.Now,
		NewID:   newSubmissionID,
	}
}

func newSubmissionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Discover scans the inbox and brings the manifest up to date with it. New
// valid files become pending records; rejected files are recorded as
// failed. Files whose record is past pending are left untouched. It returns
// every pending record, in manifest order, along with the number of files
// rejected in this scan.
func (e *Engine) Discover(ctx context.Context, w io.Writer) ([]types.DocumentRecord, int, error) {
	wctx := context.WithoutCancel(ctx)
	candidates, rejections, err := e.Scanner.Scan(e.Layout.Inbox())
	if err != nil {
		return nil, 0, err
	}
	m, err := e.Repo.Load(ctx)
	if err != nil {
		return nil, 0, err
	}

	owners := nameOwners(candidates, rejections)
	claim := func(name, path string) bool {
		if owner := owners[name]; owner != path {
			fmt.Fprintf(w, "skipped %s: %s maps to the same name as %s\n", name, filepath.Base(path), filepath.Base(owner))
			return false
		}
		return true
	}

	rejected := 0
	for _, r := range rejections {
		if r.Name == "" {
			// Untrackable: reported on every scan, never recorded.
			rejected++
			fmt.Fprintf(w, "rejected %s: %s\n", filepath.Base(r.Path), r.Err.Reason)
			continue
		}
		if !claim(r.Name, r.Path) {
			continue
		}
		existing, tracked := m.Get(r.Name)
		switch {
		case !tracked:
			rec := types.DocumentRecord{
				Name:       r.Name,
				Status:     types.StatusFailed,
				SourcePath: r.Path,
				Metadata:   types.Metadata{Size: r.Size},
				Error:      r.Err.Error(),
			}
			if err := e.Repo.Upsert(wctx, rec); err != nil {
				return nil, rejected, err
			}
		case existing.Status == types.StatusPending:
			if _, err := e.Repo.Update(wctx, r.Name, func(rec *types.DocumentRecord) error {
				return rec.Fail(r.Err)
			}); err != nil {
				return nil, rejected, err
			}
		default:
			continue
		}
		rejected++
		fmt.Fprintf(w, "rejected %s: %s\n", r.Name, r.Err.Reason)
	}

	for _, c := range candidates {
		if !claim(c.Name, c.Path) {
			continue
		}
		existing, tracked := m.Get(c.Name)
		if !tracked {
			rec := types.DocumentRecord{
				Name:       c.Name,
				Status:     types.StatusPending,
				SourcePath: c.Path,
				Metadata:   types.Metadata{Size: c.Size, Pages: c.Pages},
			}
			if err := e.Repo.Upsert(wctx, rec); err != nil {
				return nil, rejected, err
			}
			slog.Debug("discovered document", "document", c.Name, "bytes", c.Size, "pages", c.Pages)
			continue
		}
		if existing.Status != types.StatusPending {
			continue
		}
		if _, err := e.Repo.Update(wctx, c.Name, func(rec *types.DocumentRecord) error {
			rec.SourcePath = c.Path
			rec.Metadata.Size = c.Size
			rec.Metadata.Pages = c.Pages
			return nil
		}); err != nil {
			return nil, rejected, err
		}
	}

	m, err = e.Repo.Load(ctx)
	if err != nil {
		return nil, rejected, err
	}
	return m.ByStatus(types.StatusPending), rejected, nil
}

// nameOwners picks the file that owns each document name. Accepted files
// take precedence over rejected ones; within each group the first path in
// name order wins.
func nameOwners(candidates []Candidate, rejections []Rejection) map[string]string {
	owners := make(map[string]string, len(candidates)+len(rejections))
	take := func(name, path string) {
		if cur, ok := owners[name]; !ok || path < cur {
			owners[name] = path
		}
	}
	for _, c := range candidates {
		take(c.Name, c.Path)
	}
	for _, r := range rejections {
		if _, ok := owners[r.Name]; !ok {
			take(r.Name, r.Path)
		}
	}
	return owners
}

// SubmitOne uploads a pending document and submits its batch. Transient
// failures leave the record pending with the error recorded; permanent
// rejections move it to failed. The returned error is the one recorded.
func (e *Engine) SubmitOne(ctx context.Context, rec types.DocumentRecord, w io.Writer) (types.Outcome, error) {
	if rec.Status != types.StatusPending {
		return types.OutcomeSkipped, nil
	}
	log := slog.With("document", rec.Name)

	handle, job, keys, err := e.send(ctx, rec)
	if err != nil && ctx.Err() != nil {
		// Interrupted, not failed: nothing is recorded.
		return types.OutcomeSkipped, ctx.Err()
	}
	if err != nil {
		log.Debug("submission failed", "error", err, "transient", types.IsTransient(err))
		return e.recordFailure(ctx, rec.Name, err, w)
	}

	now := e.Now().UTC()
	eta := now.Add(e.Config.Turnaround)
	updated, err := e.Repo.Update(context.WithoutCancel(ctx), rec.Name, func(r *types.DocumentRecord) error {
		if err := r.Transition(types.StatusProcessing); err != nil {
			return err
		}
		r.SubmittedAt = &now
		r.EstimatedCompletion = &eta
		r.FileHandle = handle
		r.JobHandle = job
		r.Correlation = keys
		r.Metadata.CostEstimated = EstimateCost(r.Metadata.Size, e.Config.PricePerMB)
		r.Error = ""
		return nil
	})
	if err != nil {
		// The batch exists remotely but could not be recorded.
		log.Error("recording submission", "job", job, "error", err)
		fmt.Fprintf(w, "failed  %s: %v\n", rec.Name, err)
		return types.OutcomeFailed, err
	}

	if err := e.Layout.Place(updated); err != nil {
		log.Warn("placing submitted document", "error", err)
	} else if err := e.writeDescriptor(updated); err != nil {
		log.Warn("writing job descriptor", "error", err)
	}

	fmt.Fprintf(w, "submitted %s (job %s, est. $%.4f)\n", rec.Name, job, updated.Metadata.CostEstimated)
	return types.OutcomeSucceeded, nil
}

func (e *Engine) send(ctx context.Context, rec types.DocumentRecord) (string, string, map[types.ArtifactKind]string, error) {
	path, err := e.Layout.Locate(rec)
	if err != nil {
		return "", "", nil, err
	}
	handle, err := e.Client.Upload(ctx, path)
	if err != nil {
		return "", "", nil, err
	}

	id := e.NewID()
	keys := make(map[types.ArtifactKind]string, len(types.ArtifactKinds))
	reqs := make([]remote.Request, 0, len(types.ArtifactKinds))
	for _, kind := range types.ArtifactKinds {
		prompt, err := RenderPrompt(kind, rec.Name)
		if err != nil {
			return "", "", nil, fmt.Errorf("rendering %s prompt: %w", kind, err)
		}
		keys[kind] = CorrelationKey(kind, id)
		reqs = append(reqs, remote.Request{
			CorrelationKey: keys[kind],
			Kind:           kind,
			FileHandle:     handle,
			Prompt:         prompt,
		})
	}

	job, err := e.Client.SubmitBatch(ctx, reqs)
	if err != nil {
		return "", "", nil, err
	}
	return handle, job, keys, nil
}

// recordFailure persists err on the record: permanent errors fail it,
// anything else leaves it pending for the next run.
func (e *Engine) recordFailure(ctx context.Context, name string, err error, w io.Writer) (types.Outcome, error) {
	wctx := context.WithoutCancel(ctx)
	permanent := types.IsPermanent(err)
	_, uerr := e.Repo.Update(wctx, name, func(r *types.DocumentRecord) error {
		if permanent {
			return r.Fail(err)
		}
		r.Error = err.Error()
		return nil
	})
	if uerr != nil {
		err = errors.Join(err, uerr)
	}
	if permanent {
		fmt.Fprintf(w, "failed  %s: %v\n", name, err)
	} else {
		fmt.Fprintf(w, "deferred %s: %v\n", name, err)
	}
	return types.OutcomeFailed, err
}

func (e *Engine) writeDescriptor(rec types.DocumentRecord) error {
	d := JobDescriptor{
		Name:          rec.Name,
		Source:        filepath.Base(rec.SourcePath),
		FileHandle:    rec.FileHandle,
		JobHandle:     rec.JobHandle,
		Correlation:   rec.Correlation,
		CostEstimated: rec.Metadata.CostEstimated,
	}
	if rec.SubmittedAt != nil {
		d.SubmittedAt = *rec.SubmittedAt
	}
	if rec.EstimatedCompletion != nil {
		d.EstimatedCompletion = *rec.EstimatedCompletion
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling job descriptor: %w", err)
	}
	path := filepath.Join(e.Layout.Processing(rec.Name), layout.JobDescriptor)
	if err := layout.WriteFileAtomic(path, data, 0o644); err != nil {
		return &types.LocalIOError{Op: "writing job descriptor", Path: path, Err: err}
	}
	return nil
}

// Run discovers and submits every pending document sequentially. The
// pipeline orchestrator fans SubmitOne out over its worker pool instead.
func (e *Engine) Run(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	var sum types.RunSummary
	pending, rejected, err := e.Discover(ctx, w)
	if err != nil {
		return sum, err
	}
	for range rejected {
		sum.Add(types.OutcomeFailed)
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		o, _ := e.SubmitOne(ctx, rec, w)
		sum.Add(o)
	}
	fmt.Fprintf(w, "\nSubmit summary: %s\n", sum)
	return sum, nil
}
