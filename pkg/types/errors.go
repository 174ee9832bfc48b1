// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError rejects an input before any network call is made. It is
// terminal for the document.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid document %s: %s", e.Path, e.Reason)
}

// TransientRemoteError is a network failure, timeout, 429, or 5xx response.
// It is retried with backoff and surfaced only once retries are exhausted.
type TransientRemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientRemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient remote error (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient remote error: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// PermanentRemoteError is a rejection the remote side will repeat on retry:
// authentication, quota, malformed input.
type PermanentRemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentRemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote rejected request (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: remote rejected request: %v", e.Op, e.Err)
}

func (e *PermanentRemoteError) Unwrap() error { return e.Err }

// LocalIOError is a filesystem failure. It aborts the current phase of one
// document only.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// PartialResultError reports artifacts that failed to parse while the others
// were kept.
type PartialResultError struct {
	Failed map[ArtifactKind]error
}

func (e *PartialResultError) Error() string {
	kinds := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s: %v", k, e.Failed[ArtifactKind(k)])
	}
	return "partial result: " + strings.Join(parts, "; ")
}

// IsTransient reports whether err is worth retrying on a later run.
func IsTransient(err error) bool {
	var t *TransientRemoteError
	return errors.As(err, &t)
}

// IsPermanent reports whether err should move the document to failed.
func IsPermanent(err error) bool {
	var p *PermanentRemoteError
	var v *ValidationError
	return errors.As(err, &p) || errors.As(err, &v)
}
