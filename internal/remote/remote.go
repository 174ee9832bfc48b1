// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package remote defines the contract with the asynchronous batch inference
// service and an HTTP implementation for the Anthropic Files and Message
// Batches APIs. All errors returned by a Client are classified into
// types.TransientRemoteError or types.PermanentRemoteError so callers can
// decide between retrying on a later run and failing the document.
package remote

import (
	"context"

	"github.com/pdiddy/docbatch/pkg/types"
)

// JobState is the remote job state reduced to what the pipeline acts on.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is the answer to a status query.
type JobStatus struct {
	State JobState

	// Error is the remote failure description when State is JobFailed.
	Error string
}

// Request is one extraction request inside a batch.
type Request struct {
	// CorrelationKey is chosen by the caller and echoed back on the
	// matching Response. Responses are never matched by position.
	CorrelationKey string

	Kind       types.ArtifactKind
	FileHandle string
	Prompt     string
}

// Usage is the token accounting reported for one response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the outcome of one request in a finished batch.
type Response struct {
	CorrelationKey string

	// Text is the model output; empty when Error is set.
	Text  string
	Error string
	Usage Usage
}

// Client is the remote collaborator contract.
type Client interface {
	// Upload stores the file remotely and returns its content handle.
	Upload(ctx context.Context, path string) (string, error)

	// SubmitBatch submits all requests as one job and returns its handle.
	SubmitBatch(ctx context.Context, reqs []Request) (string, error)

	// JobStatus queries the job's current state.
	JobStatus(ctx context.Context, handle string) (JobStatus, error)

	// JobOutput returns per-request responses keyed by correlation key.
	JobOutput(ctx context.Context, handle string) (map[string]Response, error)
}
