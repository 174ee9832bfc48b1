// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "fmt"

// Outcome is what one phase did to one document.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeSucceeded
	OutcomePartial
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	}
	return "skipped"
}

// RunSummary counts phase outcomes across documents.
type RunSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Partial   int `json:"partial"`
	Skipped   int `json:"skipped"`
}

// Add counts one outcome.
func (s *RunSummary) Add(o Outcome) {
	switch o {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomePartial:
		s.Partial++
	case OutcomeFailed:
		s.Failed++
	default:
		s.Skipped++
	}
}

// Merge adds the counts of other.
func (s *RunSummary) Merge(other RunSummary) {
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Partial += other.Partial
	s.Skipped += other.Skipped
}

// Total returns the number of outcomes counted.
func (s RunSummary) Total() int {
	return s.Succeeded + s.Failed + s.Partial + s.Skipped
}

// AllFailed reports whether at least one document was in scope and every
// one of them failed.
func (s RunSummary) AllFailed() bool {
	return s.Failed > 0 && s.Failed == s.Total()
}

func (s RunSummary) String() string {
	return fmt.Sprintf("%d succeeded, %d partial, %d skipped, %d failed (total: %d)",
		s.Succeeded, s.Partial, s.Skipped, s.Failed, s.Total())
}
