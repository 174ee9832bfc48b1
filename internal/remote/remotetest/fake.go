// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pdiddy/docbatch/internal/remote"
	"github.com/pdiddy/docbatch/pkg/types"
)

// Fake records every call and answers from its configured state. Jobs are
// queued until Succeed or FailJob is called for them.
type Fake struct {
	mu sync.Mutex

	UploadErr error
	SubmitErr error
	StatusErr error
	OutputErr error

	uploads []string
	batches map[string][]remote.Request
	states  map[string]remote.JobStatus
	outputs map[string]map[string]remote.Response
	calls   int
	seq     int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		batches: make(map[string][]remote.Request),
		states:  make(map[string]remote.JobStatus),
		outputs: make(map[string]map[string]remote.Response),
	}
}

func (f *Fake) Upload(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.seq++
	f.uploads = append(f.uploads, filepath.Base(path))
	return fmt.Sprintf("file_%d", f.seq), nil
}

func (f *Fake) SubmitBatch(_ context.Context, reqs []remote.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.seq++
	handle := fmt.Sprintf("batch_%d", f.seq)
	f.batches[handle] = append([]remote.Request(nil), reqs...)
	f.states[handle] = remote.JobStatus{State: remote.JobQueued}
	return handle, nil
}

func (f *Fake) JobStatus(_ context.Context, handle string) (remote.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.StatusErr != nil {
		return remote.JobStatus{}, f.StatusErr
	}
	st, ok := f.states[handle]
	if !ok {
		return remote.JobStatus{}, &types.PermanentRemoteError{Op: "job status", StatusCode: 404, Err: fmt.Errorf("unknown batch %s", handle)}
	}
	return st, nil
}

func (f *Fake) JobOutput(_ context.Context, handle string) (map[string]remote.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.OutputErr != nil {
		return nil, f.OutputErr
	}
	out := make(map[string]remote.Response, len(f.outputs[handle]))
	for k, v := range f.outputs[handle] {
		out[k] = v
	}
	return out, nil
}

// SetState sets the job state reported for handle.
func (f *Fake) SetState(handle string, st remote.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[handle] = st
}

// Succeed marks the job finished and answers each submitted request with
// the text given for its artifact kind. Kinds missing from texts are
// answered with a request error.
func (f *Fake) Succeed(handle string, texts map[types.ArtifactKind]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[handle] = remote.JobStatus{State: remote.JobSucceeded}
	out := make(map[string]remote.Response)
	for _, req := range f.batches[handle] {
		resp := remote.Response{CorrelationKey: req.CorrelationKey}
		if text, ok := texts[req.Kind]; ok {
			resp.Text = text
			resp.Usage = remote.Usage{InputTokens: 1000, OutputTokens: 200}
		} else {
			resp.Error = "request errored"
		}
		out[req.CorrelationKey] = resp
	}
	f.outputs[handle] = out
}

// FailJob marks the job failed with msg.
func (f *Fake) FailJob(handle, msg string) {
	f.SetState(handle, remote.JobStatus{State: remote.JobFailed, Error: msg})
}

// Batch returns the requests submitted under handle.
func (f *Fake) Batch(handle string) []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[handle]
}

// Handles returns every job handle submitted so far.
func (f *Fake) Handles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.batches))
	for h := range f.batches {
		out = append(out, h)
	}
	return out
}

// Uploads returns the base names of uploaded files in call order.
func (f *Fake) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

// Calls returns the number of client calls made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
