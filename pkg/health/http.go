package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AgentChecker calls the ping endpoint of the agent at Address. Any 2xx
// answer counts as healthy. The caller's context bounds the request.
type AgentChecker struct {
	Address string
	Token   string
	Client  *http.Client
}

// NewAgentChecker creates a checker for the agent listening at address
func NewAgentChecker(address, token string) *AgentChecker {
	return &AgentChecker{
		Address: strings.TrimRight(address, "/"),
		Token:   token,
		Client:  http.DefaultClient,
	}
}

// Check pings the agent once
func (c *AgentChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Address+"/agent/ping", nil)
	if err != nil {
		result.Message = fmt.Sprintf("failed to create request: %v", err)
		return result
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Message = fmt.Sprintf("ping failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	result.Healthy = resp.StatusCode/100 == 2
	result.Message = fmt.Sprintf("agent answered %d", resp.StatusCode)
	return result
}
