package framework

import (
	"time"
)

// Names of the records every fleet starts with
const (
	AppServer   = "app-1"
	ProxyServer = "n1.example.com"
	DBServer    = "db-1"
	Domain      = "example.com"
	Group       = "G1"
	Candidate   = "C1"
	Bench       = "B1"

	// BillingTeam has billing set up; FreeTeam does not
	BillingTeam = "acme-team"
	FreeTeam    = "free-team"

	TrialPlan = "trial"
	BasicPlan = "basic"
	ProPlan   = "pro"
)

// Epoch is where the fake clock of every fleet starts
var Epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// FleetConfig tunes a test fleet
type FleetConfig struct {
	// MaxDeliveryAttempts bounds agent delivery retries
	MaxDeliveryAttempts int
	// PollerParallelism is the number of sites polled at once
	PollerParallelism int
}

// DefaultFleetConfig returns the settings most tests want
func DefaultFleetConfig() *FleetConfig {
	return &FleetConfig{
		MaxDeliveryAttempts: 3,
		PollerParallelism:   2,
	}
}

// TestingT is the part of testing.T the framework needs
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
	TempDir() string
	Cleanup(func())
}
