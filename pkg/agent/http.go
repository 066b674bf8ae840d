package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/press/pkg/types"
)

// HTTPTransport talks to the agent's HTTP API under "<address>/agent/"
type HTTPTransport struct {
	Token  string
	Client *http.Client
}

// NewHTTPTransport creates a transport whose requests time out after timeout
func NewHTTPTransport(token string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) url(server *types.Server, path string) string {
	return strings.TrimRight(server.Address, "/") + "/agent/" + strings.TrimLeft(path, "/")
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "bearer "+t.Token)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return payload, resp.StatusCode, nil
}

// Submit posts the request and returns the agent job id
func (t *HTTPTransport) Submit(ctx context.Context, server *types.Server, req Request) (string, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	payload, code, err := t.do(ctx, method, t.url(server, req.Path), req.Body)
	if err != nil {
		return "", fmt.Errorf("%s %s on %s: %w", method, req.Path, server.Name, err)
	}

	var resp struct {
		Job   json.RawMessage `json:"job"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("%s %s on %s: HTTP %d: %s", method, req.Path, server.Name, code, excerpt(payload))
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return "", fmt.Errorf("%s %s on %s: agent error: %s", method, req.Path, server.Name, excerpt(resp.Error))
	}
	if code >= 400 {
		return "", fmt.Errorf("%s %s on %s: HTTP %d: %s", method, req.Path, server.Name, code, excerpt(payload))
	}

	id := strings.Trim(string(resp.Job), `"`)
	if id == "" || id == "null" {
		return "", fmt.Errorf("%s %s on %s: response has no job id", method, req.Path, server.Name)
	}
	return id, nil
}

type wireStep struct {
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Output   string          `json:"output"`
	Start    string          `json:"start"`
	End      string          `json:"end"`
	Duration json.RawMessage `json:"duration"`
}

type wireJob struct {
	Status    string          `json:"status"`
	Steps     []wireStep      `json:"steps"`
	Data      json.RawMessage `json:"data"`
	Output    string          `json:"output"`
	Traceback string          `json:"traceback"`
}

// Poll fetches "jobs/<id>" from the agent
func (t *HTTPTransport) Poll(ctx context.Context, server *types.Server, remoteID string) (*RemoteJob, error) {
	payload, code, err := t.do(ctx, http.MethodGet, t.url(server, "jobs/"+remoteID), nil)
	if err != nil {
		return nil, fmt.Errorf("poll job %s on %s: %w", remoteID, server.Name, err)
	}
	if code >= 400 {
		return nil, fmt.Errorf("poll job %s on %s: HTTP %d: %s", remoteID, server.Name, code, excerpt(payload))
	}

	var wire wireJob
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("poll job %s on %s: %w", remoteID, server.Name, err)
	}
	return wire.remote(), nil
}

func (w *wireJob) remote() *RemoteJob {
	job := &RemoteJob{
		Status:    types.JobStatus(w.Status),
		Data:      w.Data,
		Output:    w.Output,
		Traceback: w.Traceback,
	}
	for _, s := range w.Steps {
		job.Steps = append(job.Steps, RemoteStep{
			Name:     s.Name,
			Status:   types.StepStatus(s.Status),
			Output:   s.Output,
			Start:    parseTime(s.Start),
			End:      parseTime(s.End),
			Duration: parseDuration(s.Duration),
		})
	}
	return job
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
}

// parseTime accepts the layouts agents have emitted; unparseable values
// become the zero time
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseDuration accepts seconds as a number, "H:MM:SS(.ffffff)" or a Go duration
func parseDuration(raw json.RawMessage) time.Duration {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second))
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
