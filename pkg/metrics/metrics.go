package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics, refreshed by the Collector
	SitesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "press_sites_total",
			Help: "Total number of sites by status",
		},
		[]string{"status"},
	)

	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "press_servers_total",
			Help: "Total number of servers by kind and status",
		},
		[]string{"kind", "status"},
	)

	AgentJobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "press_agent_jobs_total",
			Help: "Total number of agent jobs by status",
		},
		[]string{"status"},
	)

	CertificatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "press_tls_certificates_total",
			Help: "Total number of TLS certificates by status",
		},
		[]string{"status"},
	)

	// Agent job metrics
	AgentDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_agent_deliveries_total",
			Help: "Agent job delivery attempts by result",
		},
		[]string{"result"},
	)

	AgentJobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_agent_job_transitions_total",
			Help: "Agent job status changes observed by the poller",
		},
		[]string{"type", "status"},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_callbacks_total",
			Help: "Job callbacks run by job type and result",
		},
		[]string{"type", "result"},
	)

	// Work metrics
	BackupsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_backups_created_total",
			Help: "Site backups created by type",
		},
		[]string{"type"},
	)

	BackupsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_backups_expired_total",
			Help: "Site backups marked unavailable by reason",
		},
		[]string{"reason"},
	)

	UpdatesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "press_site_updates_created_total",
			Help: "Site updates created by the scheduler or users",
		},
	)

	UpdatesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_site_updates_finished_total",
			Help: "Site updates reaching a terminal status",
		},
		[]string{"status"},
	)

	SitesSuspended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "press_sites_suspended_total",
			Help: "Sites suspended for exceeding their plan",
		},
	)

	SitesArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_sites_archived_total",
			Help: "Sites archived by background sweeps",
		},
		[]string{"reason"},
	)

	CertificateRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_certificate_renewals_total",
			Help: "Certificate obtain attempts by result",
		},
		[]string{"result"},
	)

	// Worker loop metrics
	LoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "press_loop_duration_seconds",
			Help:    "Time taken by one tick of a worker loop",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
		},
		[]string{"loop"},
	)

	LoopTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "press_loop_timeouts_total",
			Help: "Worker loop ticks aborted by the worker timeout",
		},
		[]string{"loop"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SitesTotal)
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(AgentJobsTotal)
	prometheus.MustRegister(CertificatesTotal)
	prometheus.MustRegister(AgentDeliveries)
	prometheus.MustRegister(AgentJobTransitions)
	prometheus.MustRegister(CallbacksTotal)
	prometheus.MustRegister(BackupsCreated)
	prometheus.MustRegister(BackupsExpired)
	prometheus.MustRegister(UpdatesCreated)
	prometheus.MustRegister(UpdatesFinished)
	prometheus.MustRegister(SitesSuspended)
	prometheus.MustRegister(SitesArchived)
	prometheus.MustRegister(CertificateRenewals)
	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(LoopTimeouts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on o
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on the labelled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
