// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline composes the submit, poll, fetch, and import phases.
// Each phase fans out over eligible documents on a bounded worker pool. A
// failure is recorded on its document and never aborts the phase for the
// others.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/docbatch/internal/fetch"
	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/internal/poll"
	"github.com/pdiddy/docbatch/internal/remote"
	"github.com/pdiddy/docbatch/internal/submit"
	"github.com/pdiddy/docbatch/internal/vault"
	"github.com/pdiddy/docbatch/pkg/types"
)

// Reporter receives phase progress. The CLI renders it as a progress bar.
type Reporter interface {
	Start(phase string, total int)
	Advance()
	Finish()
}

type nopReporter struct{}

func (nopReporter) Start(string, int) {}
func (nopReporter) Advance()          {}
func (nopReporter) Finish()           {}

// Result is the outcome of one ProcessAll run.
type Result struct {
	Submit types.RunSummary `json:"submit"`
	Poll   types.RunSummary `json:"poll"`
	Fetch  types.RunSummary `json:"fetch"`
	Import types.RunSummary `json:"import"`
}

// Overall adds up the phase summaries.
func (r Result) Overall() types.RunSummary {
	var s types.RunSummary
	for _, p := range []types.RunSummary{r.Submit, r.Poll, r.Fetch, r.Import} {
		s.Merge(p)
	}
	return s
}

// Orchestrator runs the pipeline phases against one manifest.
type Orchestrator struct {
	Repo     manifest.Repository
	Layout   layout.Layout
	Submit   *submit.Engine
	Poller   *poll.Poller
	Fetcher  *fetch.Fetcher
	Importer *vault.Importer

	Workers       int
	MaxPollPasses int
	Reporter      Reporter
}

// New wires every phase from cfg around repo and client.
func New(cfg types.PipelineConfig, repo manifest.Repository, client remote.Client) *Orchestrator {
	l := layout.New(cfg.RootDir)
	f := fetch.New(repo, client, l, cfg.Remote)
	return &Orchestrator{
		Repo:          repo,
		Layout:        l,
		Submit:        submit.NewEngine(repo, client, l, cfg.Submission),
		Poller:        f.Poller,
		Fetcher:       f,
		Importer:      vault.New(repo, cfg.RootDir, cfg.Vault),
		Workers:       cfg.Workers,
		MaxPollPasses: cfg.MaxPollPasses,
		Reporter:      nopReporter{},
	}
}

// SetClock replaces the time source of every phase.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.Submit.Now = now
	o.Poller.Now = now
	o.Importer.Now = now
}

// ProcessAll runs submit, poll until no transition, fetch, and import.
// Each phase covers every eligible document before the next starts.
func (o *Orchestrator) ProcessAll(ctx context.Context, w io.Writer) (Result, error) {
	var res Result
	if err := o.Layout.Init(); err != nil {
		return res, err
	}
	w = &syncWriter{w: w}

	var err error
	if res.Submit, err = o.runSubmit(ctx, w); err != nil {
		return res, err
	}
	if res.Poll, err = o.runPoll(ctx, w); err != nil {
		return res, err
	}
	if res.Fetch, err = o.runFetch(ctx, w); err != nil {
		return res, err
	}
	if res.Import, err = o.runImport(ctx, false, w); err != nil {
		return res, err
	}
	fmt.Fprintf(w, "\nRun summary: %s\n", res.Overall())
	return res, nil
}

// SubmitPending discovers inbox files and submits every pending document.
func (o *Orchestrator) SubmitPending(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	if err := o.Layout.Init(); err != nil {
		return types.RunSummary{}, err
	}
	return o.summarize("Submit", w, func(w io.Writer) (types.RunSummary, error) {
		return o.runSubmit(ctx, w)
	})
}

// Poll polls processing documents until a pass makes no transition.
func (o *Orchestrator) Poll(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	return o.summarize("Poll", w, func(w io.Writer) (types.RunSummary, error) {
		return o.runPoll(ctx, w)
	})
}

// Fetch polls first, so failed jobs are marked before anything is
// downloaded, then fetches every completed document lacking results.
func (o *Orchestrator) Fetch(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	return o.summarize("Fetch", w, func(w io.Writer) (types.RunSummary, error) {
		if _, err := o.runPoll(ctx, w); err != nil {
			return types.RunSummary{}, err
		}
		return o.runFetch(ctx, w)
	})
}

// Import writes vault pages for completed documents, and for imported ones
// too when force is set.
func (o *Orchestrator) Import(ctx context.Context, force bool, w io.Writer) (types.RunSummary, error) {
	return o.summarize("Import", w, func(w io.Writer) (types.RunSummary, error) {
		return o.runImport(ctx, force, w)
	})
}

func (o *Orchestrator) summarize(phase string, w io.Writer, fn func(io.Writer) (types.RunSummary, error)) (types.RunSummary, error) {
	sw := &syncWriter{w: w}
	sum, err := fn(sw)
	if err != nil {
		return sum, err
	}
	fmt.Fprintf(sw, "\n%s summary: %s\n", phase, sum)
	return sum, nil
}

func (o *Orchestrator) runSubmit(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	pending, rejected, err := o.Submit.Discover(ctx, w)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("discovering documents: %w", err)
	}
	sum := o.fanOut(ctx, "submit", pending, func(ctx context.Context, rec types.DocumentRecord) types.Outcome {
		out, _ := o.Submit.SubmitOne(ctx, rec, w)
		return out
	})
	for range rejected {
		sum.Add(types.OutcomeFailed)
	}
	return sum, nil
}

// runPoll repeats poll passes while documents keep changing state, up to
// MaxPollPasses. The summary holds each document's last outcome.
func (o *Orchestrator) runPoll(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	passes := o.MaxPollPasses
	if passes <= 0 {
		passes = 1
	}
	var (
		mu   sync.Mutex
		last = make(map[string]types.Outcome)
	)
	for pass := 1; pass <= passes && ctx.Err() == nil; pass++ {
		recs, err := o.byStatus(ctx, types.StatusProcessing)
		if err != nil {
			return types.RunSummary{}, err
		}
		if len(recs) == 0 {
			break
		}
		transitions := 0
		o.fanOut(ctx, "poll", recs, func(ctx context.Context, rec types.DocumentRecord) types.Outcome {
			out, changed, _ := o.Poller.PollOne(ctx, rec, w)
			mu.Lock()
			last[rec.Name] = out
			if changed {
				transitions++
			}
			mu.Unlock()
			return out
		})
		slog.Debug("poll pass finished", "pass", pass, "documents", len(recs), "transitions", transitions)
		if transitions == 0 {
			break
		}
	}
	var sum types.RunSummary
	for _, out := range last {
		sum.Add(out)
	}
	return sum, nil
}

func (o *Orchestrator) runFetch(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	recs, err := o.filter(ctx, fetch.NeedsFetch)
	if err != nil {
		return types.RunSummary{}, err
	}
	return o.fanOut(ctx, "fetch", recs, func(ctx context.Context, rec types.DocumentRecord) types.Outcome {
		out, _ := o.Fetcher.FetchOne(ctx, rec, w)
		return out
	}), nil
}

func (o *Orchestrator) runImport(ctx context.Context, force bool, w io.Writer) (types.RunSummary, error) {
	recs, err := o.filter(ctx, func(rec types.DocumentRecord) bool {
		return vault.Eligible(rec, force)
	})
	if err != nil {
		return types.RunSummary{}, err
	}
	return o.fanOut(ctx, "import", recs, func(ctx context.Context, rec types.DocumentRecord) types.Outcome {
		out, _ := o.Importer.ImportOne(ctx, rec, force, w)
		return out
	}), nil
}

// fanOut runs fn for every record on at most Workers goroutines. fn owns
// its error handling; nothing it does cancels the other records.
func (o *Orchestrator) fanOut(ctx context.Context, phase string, recs []types.DocumentRecord, fn func(context.Context, types.DocumentRecord) types.Outcome) types.RunSummary {
	var (
		mu  sync.Mutex
		sum types.RunSummary
	)
	if len(recs) == 0 {
		return sum
	}
	workers := o.Workers
	if workers <= 0 {
		workers = 1
	}
	rep := o.reporter()
	rep.Start(phase, len(recs))
	defer rep.Finish()

	var g errgroup.Group
	g.SetLimit(workers)
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out := fn(ctx, rec)
			mu.Lock()
			sum.Add(out)
			mu.Unlock()
			rep.Advance()
			return nil
		})
	}
	_ = g.Wait()
	return sum
}

func (o *Orchestrator) reporter() Reporter {
	if o.Reporter == nil {
		return nopReporter{}
	}
	return o.Reporter
}

func (o *Orchestrator) byStatus(ctx context.Context, s types.Status) ([]types.DocumentRecord, error) {
	return o.filter(ctx, func(rec types.DocumentRecord) bool { return rec.Status == s })
}

func (o *Orchestrator) filter(ctx context.Context, keep func(types.DocumentRecord) bool) ([]types.DocumentRecord, error) {
	m, err := o.Repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.DocumentRecord
	for _, rec := range m.Documents {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Status returns every tracked document in manifest order, including the
// last persisted error of each.
func (o *Orchestrator) Status(ctx context.Context) ([]types.DocumentRecord, error) {
	m, err := o.Repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	return m.Documents, nil
}

// Reset returns a failed document to pending and moves its file back to
// the inbox so the next run resubmits it.
func (o *Orchestrator) Reset(ctx context.Context, name string) (types.DocumentRecord, error) {
	rec, err := o.Repo.Update(context.WithoutCancel(ctx), name, func(r *types.DocumentRecord) error {
		return r.Reset()
	})
	if err != nil {
		return rec, err
	}
	if err := o.Layout.Place(rec); err != nil {
		return rec, fmt.Errorf("moving %s back to the inbox: %w", name, err)
	}
	return rec, nil
}

// Watch runs ProcessAll immediately and then on every tick of interval
// until ctx is cancelled. Manifest writes of an interrupted run complete
// before Watch returns.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration, w io.Writer) error {
	if interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.ProcessAll(ctx, w); err != nil && ctx.Err() == nil {
			slog.Error("pipeline run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// syncWriter serializes per-document lines written by concurrent workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
