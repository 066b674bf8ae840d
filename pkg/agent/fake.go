package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/press/pkg/types"
)

// FakeTransport is an in-memory agent for tests. Submitted jobs start
// Pending; tests move them along with Complete, Fail or SetRemote.
type FakeTransport struct {
	mu        sync.Mutex
	next      int
	jobs      map[string]*RemoteJob // remote id -> state
	byLocal   map[string]string     // local job id -> remote id
	requests  []Request
	down      map[string]error
	pollError map[string]error
}

// NewFakeTransport creates an empty fake agent
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		jobs:      make(map[string]*RemoteJob),
		byLocal:   make(map[string]string),
		down:      make(map[string]error),
		pollError: make(map[string]error),
	}
}

// Submit records the request and hands out a new remote id
func (f *FakeTransport) Submit(ctx context.Context, server *types.Server, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.down[server.Name]; err != nil {
		return "", err
	}

	f.next++
	id := fmt.Sprintf("%d", f.next)
	f.jobs[id] = &RemoteJob{Status: types.JobStatusPending}
	if req.JobID != "" {
		f.byLocal[req.JobID] = id
	}
	f.requests = append(f.requests, req)
	return id, nil
}

// Poll returns a copy of the remote job
func (f *FakeTransport) Poll(ctx context.Context, server *types.Server, remoteID string) (*RemoteJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.pollError[server.Name]; err != nil {
		return nil, err
	}
	job, ok := f.jobs[remoteID]
	if !ok {
		return nil, fmt.Errorf("job %s not found on %s", remoteID, server.Name)
	}
	copied := *job
	copied.Steps = append([]RemoteStep(nil), job.Steps...)
	return &copied, nil
}

// SetDown makes every Submit to server fail with err; nil brings it back
func (f *FakeTransport) SetDown(server string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.down, server)
		return
	}
	f.down[server] = err
}

// SetPollError makes every Poll against server fail with err
func (f *FakeTransport) SetPollError(server string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.pollError, server)
		return
	}
	f.pollError[server] = err
}

// SetRemote replaces the remote state of the local job jobID
func (f *FakeTransport) SetRemote(jobID string, remote RemoteJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.byLocal[jobID]
	if !ok {
		return fmt.Errorf("job %s was never submitted", jobID)
	}
	f.jobs[id] = &remote
	return nil
}

// Running marks the job Running with one running step
func (f *FakeTransport) Running(jobID, step string) error {
	return f.SetRemote(jobID, RemoteJob{
		Status: types.JobStatusRunning,
		Steps:  []RemoteStep{{Name: step, Status: types.StepStatusRunning}},
	})
}

// Complete marks the job Success with data as its response
func (f *FakeTransport) Complete(jobID string, data []byte) error {
	return f.SetRemote(jobID, RemoteJob{Status: types.JobStatusSuccess, Data: data})
}

// Fail marks the job Failure at step
func (f *FakeTransport) Fail(jobID, step, traceback string) error {
	return f.SetRemote(jobID, RemoteJob{
		Status:    types.JobStatusFailure,
		Steps:     []RemoteStep{{Name: step, Status: types.StepStatusFailure}},
		Traceback: traceback,
	})
}

// Requests returns every request submitted so far
func (f *FakeTransport) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// Submitted reports whether the local job reached the agent
func (f *FakeTransport) Submitted(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byLocal[jobID]
	return ok
}
