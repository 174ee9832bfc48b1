// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package poll maps remote job state onto the local document lifecycle.
// Polling is idempotent: a query that reports no new state writes nothing.
package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pdiddy/docbatch/internal/manifest"
	"github.com/pdiddy/docbatch/internal/remote"
	"github.com/pdiddy/docbatch/pkg/types"
)

// Poller queries job handles of processing documents.
type Poller struct {
	Repo   manifest.Repository
	Client remote.Client
	Now    func() time.Time
}

// New returns a poller using the wall clock.
func New(repo manifest.Repository, client remote.Client) *Poller {
	return &Poller{Repo: repo, Client: client, Now: time.Now}
}

// PollOne queries the job of one processing record and applies the result.
// It reports the phase outcome and whether the record changed status.
//
//	queued, running    stay processing (skipped)
//	succeeded          completed, completed_at set (succeeded)
//	failed             failed with the remote error verbatim (failed)
//
// A transient query error is recorded on the record, which stays
// processing; a permanent one (for example an unknown job) fails it.
func (p *Poller) PollOne(ctx context.Context, rec types.DocumentRecord, w io.Writer) (types.Outcome, bool, error) {
	if rec.Status != types.StatusProcessing {
		return types.OutcomeSkipped, false, nil
	}
	wctx := context.WithoutCancel(ctx)
	log := slog.With("document", rec.Name, "job", rec.JobHandle)

	st, err := p.Client.JobStatus(ctx, rec.JobHandle)
	if err != nil && ctx.Err() != nil {
		return types.OutcomeSkipped, false, ctx.Err()
	}
	if err != nil {
		permanent := types.IsPermanent(err)
		log.Debug("status query failed", "error", err, "permanent", permanent)
		_, uerr := p.Repo.Update(wctx, rec.Name, func(r *types.DocumentRecord) error {
			if permanent {
				return r.Fail(err)
			}
			r.Error = err.Error()
			return nil
		})
		if uerr != nil {
			return types.OutcomeFailed, false, uerr
		}
		fmt.Fprintf(w, "failed  %s: %v\n", rec.Name, err)
		return types.OutcomeFailed, permanent, err
	}

	switch st.State {
	case remote.JobSucceeded:
		now := p.Now().UTC()
		if _, err := p.Repo.Update(wctx, rec.Name, func(r *types.DocumentRecord) error {
			if err := r.Transition(types.StatusCompleted); err != nil {
				return err
			}
			r.CompletedAt = &now
			r.Error = ""
			return nil
		}); err != nil {
			return types.OutcomeFailed, false, err
		}
		fmt.Fprintf(w, "completed %s\n", rec.Name)
		return types.OutcomeSucceeded, true, nil

	case remote.JobFailed:
		if _, err := p.Repo.Update(wctx, rec.Name, func(r *types.DocumentRecord) error {
			return r.Fail(errors.New(st.Error))
		}); err != nil {
			return types.OutcomeFailed, false, err
		}
		fmt.Fprintf(w, "failed  %s: %s\n", rec.Name, st.Error)
		return types.OutcomeFailed, true, nil

	default:
		// Still waiting. Clear a stale transient error; otherwise no write.
		if _, err := p.Repo.Update(wctx, rec.Name, func(r *types.DocumentRecord) error {
			r.Error = ""
			return nil
		}); err != nil {
			return types.OutcomeFailed, false, err
		}
		log.Debug("job not finished", "state", st.State)
		fmt.Fprintf(w, "waiting %s (%s)\n", rec.Name, st.State)
		return types.OutcomeSkipped, false, nil
	}
}

// Run polls every processing record once, sequentially.
func (p *Poller) Run(ctx context.Context, w io.Writer) (types.RunSummary, int, error) {
	var sum types.RunSummary
	m, err := p.Repo.Load(ctx)
	if err != nil {
		return sum, 0, err
	}
	transitions := 0
	for _, rec := range m.ByStatus(types.StatusProcessing) {
		if ctx.Err() != nil {
			break
		}
		o, changed, _ := p.PollOne(ctx, rec, w)
		sum.Add(o)
		if changed {
			transitions++
		}
	}
	return sum, transitions, nil
}
