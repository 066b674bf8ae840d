package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/press/pkg/types"
)

// Request is one job submission to an agent
type Request struct {
	JobID  string // Local AgentJob ID, for correlation only
	Method string
	Path   string
	Body   json.RawMessage
}

// RemoteStep is a step as reported by the agent
type RemoteStep struct {
	Name     string
	Status   types.StepStatus
	Output   string
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// RemoteJob is the agent's view of a job
type RemoteJob struct {
	Status    types.JobStatus
	Steps     []RemoteStep
	Data      json.RawMessage
	Output    string
	Traceback string
}

// Transport carries requests to the agent running on a server
type Transport interface {
	// Submit posts a job and returns the agent's job id
	Submit(ctx context.Context, server *types.Server, req Request) (string, error)

	// Poll fetches the current state of a submitted job
	Poll(ctx context.Context, server *types.Server, remoteID string) (*RemoteJob, error)
}

