// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a tracked document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusImported   Status = "imported"
	StatusFailed     Status = "failed"
)

// transitions lists the legal forward edges of the lifecycle graph.
// failed → pending is deliberately absent: it is only reachable through Reset.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusImported, StatusFailed},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusImported, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusImported || s == StatusFailed
}

// ArtifactKind names one of the three extraction outputs for a document.
type ArtifactKind string

const (
	ArtifactNotes      ArtifactKind = "notes"
	ArtifactFlashcards ArtifactKind = "flashcards"
	ArtifactSummary    ArtifactKind = "summary"
)

// ArtifactKinds is the fixed submission order of the three requests. Responses
// are never matched by this order, only by correlation key.
var ArtifactKinds = []ArtifactKind{ArtifactNotes, ArtifactFlashcards, ArtifactSummary}

// ResultRefs points at the persisted artifact files of a document. Each
// reference is optional; a partial fetch leaves the failed one empty.
type ResultRefs struct {
	Notes      string `json:"notes,omitempty" yaml:"notes,omitempty"`
	Flashcards string `json:"flashcards,omitempty" yaml:"flashcards,omitempty"`
	Summary    string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Get returns the reference for kind.
func (r ResultRefs) Get(kind ArtifactKind) string {
	switch kind {
	case ArtifactNotes:
		return r.Notes
	case ArtifactFlashcards:
		return r.Flashcards
	case ArtifactSummary:
		return r.Summary
	}
	return ""
}

// Set stores path as the reference for kind.
func (r *ResultRefs) Set(kind ArtifactKind, path string) {
	switch kind {
	case ArtifactNotes:
		r.Notes = path
	case ArtifactFlashcards:
		r.Flashcards = path
	case ArtifactSummary:
		r.Summary = path
	}
}

// Count returns how many references are populated.
func (r ResultRefs) Count() int {
	n := 0
	for _, k := range ArtifactKinds {
		if r.Get(k) != "" {
			n++
		}
	}
	return n
}

// Metadata holds size and cost accounting for a document.
type Metadata struct {
	// Size is the source file size in bytes.
	Size int64 `json:"size" yaml:"size"`

	// Pages is the page count for PDFs, 0 when unknown.
	Pages int `json:"pages,omitempty" yaml:"pages,omitempty"`

	// CostEstimated is size_MB * price_per_MB, computed at submission.
	CostEstimated float64 `json:"cost_estimated" yaml:"cost_estimated"`

	// CostActual is derived from token usage once results are fetched.
	CostActual float64 `json:"cost_actual,omitempty" yaml:"cost_actual,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty" yaml:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty" yaml:"output_tokens,omitempty"`
}

// DocumentRecord is the manifest entry for one tracked document.
type DocumentRecord struct {
	// Name is the stable key, derived from the source filename.
	Name string `json:"name" yaml:"name"`

	Status Status `json:"status" yaml:"status"`

	// SourcePath is where the document was discovered in the inbox.
	SourcePath string `json:"source_path" yaml:"source_path"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty" yaml:"submitted_at,omitempty"`

	// FileHandle is the remote content handle returned by the upload.
	FileHandle string `json:"file_handle,omitempty" yaml:"file_handle,omitempty"`

	// JobHandle is the opaque remote batch identifier.
	JobHandle string `json:"job_handle,omitempty" yaml:"job_handle,omitempty"`

	// Correlation maps each artifact kind to the key its request was tagged with.
	Correlation map[ArtifactKind]string `json:"correlation,omitempty" yaml:"correlation,omitempty"`

	CompletedAt         *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty" yaml:"estimated_completion,omitempty"`
	ImportedAt          *time.Time `json:"imported_at,omitempty" yaml:"imported_at,omitempty"`

	Results  ResultRefs `json:"results" yaml:"results"`
	Metadata Metadata   `json:"metadata" yaml:"metadata"`

	// Error is the latest persisted error text. It is also set for
	// non-fatal partial results while the status stays completed.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Transition moves the record to status to, rejecting edges outside the
// lifecycle graph. A transition to the current status is a no-op.
func (r *DocumentRecord) Transition(to Status) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("illegal transition for %s: %s -> %s", r.Name, r.Status, to)
	}
	r.Status = to
	return nil
}

// Fail moves the record to failed and records err. It returns an error,
// leaving the record untouched, when failed is not reachable from the
// current status.
func (r *DocumentRecord) Fail(err error) error {
	if terr := r.Transition(StatusFailed); terr != nil {
		return terr
	}
	if err != nil {
		r.Error = err.Error()
	}
	return nil
}

// Reset returns a failed record to pending, clearing everything the remote
// side produced. This is the only way out of failed.
func (r *DocumentRecord) Reset() error {
	if r.Status != StatusFailed {
		return fmt.Errorf("reset %s: only failed documents can be reset (status %s)", r.Name, r.Status)
	}
	r.Status = StatusPending
	r.SubmittedAt = nil
	r.FileHandle = ""
	r.JobHandle = ""
	r.Correlation = nil
	r.CompletedAt = nil
	r.EstimatedCompletion = nil
	r.ImportedAt = nil
	r.Results = ResultRefs{}
	r.Metadata.CostActual = 0
	r.Metadata.InputTokens = 0
	r.Metadata.OutputTokens = 0
	r.Error = ""
	return nil
}

// Clone returns a deep copy so callers can mutate it without aliasing the
// original's timestamps or correlation map.
func (r DocumentRecord) Clone() DocumentRecord {
	c := r
	c.SubmittedAt = cloneTime(r.SubmittedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.EstimatedCompletion = cloneTime(r.EstimatedCompletion)
	c.ImportedAt = cloneTime(r.ImportedAt)
	if r.Correlation != nil {
		c.Correlation = make(map[ArtifactKind]string, len(r.Correlation))
		for k, v := range r.Correlation {
			c.Correlation[k] = v
		}
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Validate checks the structural invariants of a record.
func (r DocumentRecord) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("record has empty name")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record %s: unknown status %q", r.Name, r.Status)
	}
	if r.Status == StatusProcessing && r.JobHandle == "" {
		return fmt.Errorf("record %s: processing without job handle", r.Name)
	}
	if r.Status == StatusImported && r.Results.Count() == 0 {
		return fmt.Errorf("record %s: imported without results", r.Name)
	}
	return nil
}

// Manifest is the ordered ledger of all tracked documents.
type Manifest struct {
	Documents []DocumentRecord `json:"documents" yaml:"documents"`
}

// Find returns the index of the record named name, or -1.
func (m *Manifest) Find(name string) int {
	for i := range m.Documents {
		if m.Documents[i].Name == name {
			return i
		}
	}
	return -1
}

// Get returns a copy of the record named name.
func (m *Manifest) Get(name string) (DocumentRecord, bool) {
	if i := m.Find(name); i >= 0 {
		return m.Documents[i], true
	}
	return DocumentRecord{}, false
}

// Upsert replaces the record with the same name in place, or appends it.
func (m *Manifest) Upsert(rec DocumentRecord) {
	if i := m.Find(rec.Name); i >= 0 {
		m.Documents[i] = rec
		return
	}
	m.Documents = append(m.Documents, rec)
}

// ByStatus returns copies of all records in status s, in manifest order.
func (m *Manifest) ByStatus(s Status) []DocumentRecord {
	var out []DocumentRecord
	for _, d := range m.Documents {
		if d.Status == s {
			out = append(out, d)
		}
	}
	return out
}
