package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentChecker_Healthy(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewAgentChecker(server.URL+"/", "s3cret").Check(context.Background())

	assert.True(t, result.Healthy)
	assert.Equal(t, "/agent/ping", gotPath)
	assert.Equal(t, "bearer s3cret", gotAuth)
}

func TestAgentChecker_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result := NewAgentChecker(server.URL, "").Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, "agent answered 503", result.Message)
}

func TestAgentChecker_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := NewAgentChecker(server.URL, "").Check(ctx)

	assert.False(t, result.Healthy)
}

func TestAgentChecker_Unreachable(t *testing.T) {
	result := NewAgentChecker("http://127.0.0.1:1", "").Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "ping failed")
}
