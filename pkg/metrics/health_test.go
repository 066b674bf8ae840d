package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetBoard(version string) {
	board = newLoopBoard()
	board.version = version
}

func TestRecordLoop(t *testing.T) {
	resetBoard("")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	RecordLoop("backup.logical", nil, at)
	RecordLoop("agent.poll", errors.New("store closed"), at)
	RecordLoop("agent.poll", errors.New("store closed"), at.Add(time.Minute))

	report := Report()
	assert.Equal(t, "degraded", report.Status)
	require.Len(t, report.Loops, 2)

	poll := report.Loops[0]
	assert.Equal(t, "agent.poll", poll.Name)
	assert.False(t, poll.Healthy)
	assert.Equal(t, 2, poll.Failures)
	assert.Equal(t, "store closed", poll.Error)
	assert.True(t, poll.LastSuccess.IsZero())

	backup := report.Loops[1]
	assert.True(t, backup.Healthy)
	assert.Equal(t, at, backup.LastSuccess)
}

func TestRecordLoopRecovers(t *testing.T) {
	resetBoard("")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	RecordLoop("tls.renew", errors.New("timeout"), at)
	RecordLoop("tls.renew", nil, at.Add(time.Hour))

	report := Report()
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, 0, report.Loops[0].Failures)
	assert.Empty(t, report.Loops[0].Error)
}

func TestReportWithoutLoops(t *testing.T) {
	resetBoard("1.0.0")

	report := Report()
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "1.0.0", report.Version)
	assert.Empty(t, report.Loops)
}

func TestStatusHandler(t *testing.T) {
	resetBoard("test")
	RecordLoop("agent.dispatch", errors.New("boom"), time.Now())

	w := httptest.NewRecorder()
	StatusHandler()(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var report StatusReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "test", report.Version)
	require.Len(t, report.Loops, 1)
	assert.Equal(t, "boom", report.Loops[0].Error)
}
