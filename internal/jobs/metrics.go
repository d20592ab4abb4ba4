package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	estimates   *prometheus.CounterVec
	invoices    *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
	skipped bool
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// Skip marks a run that found its work claimed by another process. Skipped
// runs are counted but neither observed nor treated as success.
func (t *Tracker) Skip() {
	if t != nil {
		t.skipped = true
	}
}

// End finalises the tracker and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	switch {
	case err != nil:
		t.metrics.failures.WithLabelValues(t.job).Inc()
		t.metrics.runs.WithLabelValues(t.job, "failure").Inc()
	case t.skipped:
		t.metrics.runs.WithLabelValues(t.job, "skipped").Inc()
		return nil
	default:
		t.metrics.runs.WithLabelValues(t.job, "success").Inc()
		t.metrics.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	}
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddEstimates counts estimate rows by upsert outcome (inserted, updated,
// unchanged, cleaned).
func (m *Metrics) AddEstimates(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.estimates.WithLabelValues(outcome).Add(float64(count))
}

// AddInvoices counts synchronized invoices by outcome (stored, skipped,
// malformed).
func (m *Metrics) AddInvoices(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.invoices.WithLabelValues(outcome).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"job"})
	estimates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_recon_estimates_total",
		Help: "Estimate rows written or evicted, by outcome.",
	}, []string{"outcome"})
	invoices := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_recon_invoices_synced_total",
		Help: "Invoices seen by the fiscal API synchronizer, by outcome.",
	}, []string{"outcome"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	registerer.MustRegister(runs, failures, duration, estimates, invoices, lastSuccess)
	return &Metrics{
		runs:        runs,
		failures:    failures,
		duration:    duration,
		estimates:   estimates,
		invoices:    invoices,
		lastSuccess: lastSuccess,
	}
}
