// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package fetch downloads finished batch output, demultiplexes it by
// correlation key into the three artifacts, and persists the ones that
// validate under completed/<name>/results/.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/internal/poll"
	"github.com/pdiddy/docbatch/internal/remote"
	"github.com/pdiddy/docbatch/pkg/types"
)

// Fetcher runs the fetch phase.
type Fetcher struct {
	Repo   manifest.Repository
	Client remote.Client
	Layout layout.Layout
	Poller *poll.Poller

	// Prices convert token usage into an actual cost.
	InputPricePerMTok  float64
	OutputPricePerMTok float64
}

// New returns a fetcher that polls through its own Poller before fetching.
func New(repo manifest.Repository, client remote.Client, l layout.Layout, cfg types.RemoteConfig) *Fetcher {
	return &Fetcher{
		Repo:               repo,
		Client:             client,
		Layout:             l,
		Poller:             poll.New(repo, client),
		InputPricePerMTok:  cfg.InputPricePerMTok,
		OutputPricePerMTok: cfg.OutputPricePerMTok,
	}
}

// NeedsFetch reports whether rec is completed but has no results yet.
func NeedsFetch(rec types.DocumentRecord) bool {
	return rec.Status == types.StatusCompleted && rec.Results.Count() == 0
}

// ResultFile returns the path of the artifact file for kind relative to
// the layout root.
func ResultFile(name string, kind types.ArtifactKind) string {
	return filepath.Join("completed", name, "results", string(kind)+".yaml")
}

// FetchOne downloads and persists the artifacts of one completed record.
//
// All three valid: references set, outcome succeeded. One or two valid:
// the valid ones are kept, a PartialResultError is recorded, the status
// stays completed, outcome partial. None valid: only the error text is
// recorded and the fetch is retried on the next run.
func (f *Fetcher) FetchOne(ctx context.Context, rec types.DocumentRecord, w io.Writer) (types.Outcome, error) {
	if !NeedsFetch(rec) {
		return types.OutcomeSkipped, nil
	}
	wctx := context.WithoutCancel(ctx)
	log := slog.With("document", rec.Name, "job", rec.JobHandle)

	out, err := f.Client.JobOutput(ctx, rec.JobHandle)
	if err != nil && ctx.Err() != nil {
		return types.OutcomeSkipped, ctx.Err()
	}
	if err != nil {
		log.Debug("downloading output failed", "error", err)
		return f.recordError(wctx, rec.Name, err, types.IsPermanent(err), w)
	}

	var (
		set    types.ResultSet
		failed = make(map[types.ArtifactKind]error)
		usage  remote.Usage
	)
	for _, kind := range types.ArtifactKinds {
		resp, ok := out[rec.Correlation[kind]]
		switch {
		case rec.Correlation[kind] == "" || !ok:
			failed[kind] = fmt.Errorf("no response for correlation key %q", rec.Correlation[kind])
			continue
		case resp.Error != "":
			failed[kind] = errors.New(resp.Error)
			continue
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		if err := parseArtifact(kind, resp.Text, &set); err != nil {
			failed[kind] = err
		}
	}

	if set.Empty() {
		err := &types.PartialResultError{Failed: failed}
		log.Warn("no artifact parsed, will retry", "error", err)
		return f.recordError(wctx, rec.Name, err, false, w)
	}

	refs, err := f.writeResults(rec.Name, set)
	if err != nil {
		return f.recordError(wctx, rec.Name, err, false, w)
	}

	var partial error
	if len(failed) > 0 {
		partial = &types.PartialResultError{Failed: failed}
	}
	updated, err := f.Repo.Update(wctx, rec.Name, func(r *types.DocumentRecord) error {
		if !NeedsFetch(*r) {
			return fmt.Errorf("%s is no longer awaiting fetch (status %s)", r.Name, r.Status)
		}
		r.Results = refs
		if usage.InputTokens+usage.OutputTokens > 0 {
			r.Metadata.InputTokens = usage.InputTokens
			r.Metadata.OutputTokens = usage.OutputTokens
			r.Metadata.CostActual = f.actualCost(usage)
		}
		r.Error = ""
		if partial != nil {
			r.Error = partial.Error()
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(w, "failed  %s: %v\n", rec.Name, err)
		return types.OutcomeFailed, err
	}

	if err := f.Layout.Place(updated); err != nil {
		log.Warn("moving document to completed", "error", err)
	}

	if partial != nil {
		fmt.Fprintf(w, "partial %s: %v\n", rec.Name, partial)
		return types.OutcomePartial, partial
	}
	fmt.Fprintf(w, "fetched %s\n", rec.Name)
	return types.OutcomeSucceeded, nil
}

func (f *Fetcher) writeResults(name string, set types.ResultSet) (types.ResultRefs, error) {
	var refs types.ResultRefs
	artifacts := map[types.ArtifactKind]any{}
	if set.Notes != nil {
		artifacts[types.ArtifactNotes] = set.Notes
	}
	if set.Flashcards != nil {
		artifacts[types.ArtifactFlashcards] = set.Flashcards
	}
	if set.Summary != nil {
		artifacts[types.ArtifactSummary] = set.Summary
	}
	for _, kind := range types.ArtifactKinds {
		v, ok := artifacts[kind]
		if !ok {
			continue
		}
		data, err := yaml.Marshal(v)
		if err != nil {
			return refs, fmt.Errorf("marshaling %s: %w", kind, err)
		}
		rel := ResultFile(name, kind)
		path := filepath.Join(f.Layout.Root, rel)
		if _, err := layout.WriteFileIfChanged(path, data, 0o644); err != nil {
			return refs, &types.LocalIOError{Op: "writing result", Path: path, Err: err}
		}
		refs.Set(kind, rel)
	}
	return refs, nil
}

func (f *Fetcher) actualCost(u remote.Usage) float64 {
	v := float64(u.InputTokens)/1e6*f.InputPricePerMTok + float64(u.OutputTokens)/1e6*f.OutputPricePerMTok
	return math.Round(v*1e12) / 1e12
}

func (f *Fetcher) recordError(ctx context.Context, name string, err error, permanent bool, w io.Writer) (types.Outcome, error) {
	_, uerr := f.Repo.Update(ctx, name, func(r *types.DocumentRecord) error {
		if permanent {
			return r.Fail(err)
		}
		r.Error = err.Error()
		return nil
	})
	if uerr != nil {
		err = errors.Join(err, uerr)
	}
	fmt.Fprintf(w, "failed  %s: %v\n", name, err)
	return types.OutcomeFailed, err
}

// LoadResults reads the persisted artifacts referenced by rec.
func LoadResults(root string, rec types.DocumentRecord) (types.ResultSet, error) {
	var set types.ResultSet
	for _, kind := range types.ArtifactKinds {
		ref := rec.Results.Get(kind)
		if ref == "" {
			continue
		}
		path := ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, ref)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return set, &types.LocalIOError{Op: "reading result", Path: path, Err: err}
		}
		var target any
		switch kind {
		case types.ArtifactNotes:
			set.Notes = &types.ConceptNotes{}
			target = set.Notes
		case types.ArtifactFlashcards:
			set.Flashcards = &types.FlashcardDeck{}
			target = set.Flashcards
		case types.ArtifactSummary:
			set.Summary = &types.ParetoSummary{}
			target = set.Summary
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return set, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return set, nil
}

// Run polls processing records, then fetches every completed record that
// still lacks results, sequentially.
func (f *Fetcher) Run(ctx context.Context, w io.Writer) (types.RunSummary, error) {
	var sum types.RunSummary
	if _, _, err := f.Poller.Run(ctx, w); err != nil {
		return sum, err
	}
	m, err := f.Repo.Load(ctx)
	if err != nil {
		return sum, err
	}
	for _, rec := range m.Documents {
		if !NeedsFetch(rec) || ctx.Err() != nil {
			continue
		}
		o, _ := f.FetchOne(ctx, rec, w)
		sum.Add(o)
	}
	return sum, nil
}
