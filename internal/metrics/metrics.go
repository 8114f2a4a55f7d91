// Package metrics provides Prometheus metrics for the moderation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values shared by several metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Metrics contains Prometheus metrics for ingestion, queue, decisions,
// enforcement and platform calls. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	webhookEventsTotal    *prometheus.CounterVec
	commentsIngestedTotal *prometheus.CounterVec
	backfillRunsTotal     *prometheus.CounterVec

	queueJobsTotal   *prometheus.CounterVec
	queueJobDuration prometheus.Histogram

	decisionsTotal        *prometheus.CounterVec
	enforcementTotal      *prometheus.CounterVec
	platformRequestsTotal *prometheus.CounterVec
	platformDuration      *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the registry the metrics were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) initMetrics() {
	m.webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook deliveries received",
		},
		[]string{"status"}, // status: success, error, rejected
	)

	m.commentsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comments_ingested_total",
			Help: "Total number of comments seen by ingestion",
		},
		[]string{"source", "result"}, // result: created, duplicate, error
	)

	m.backfillRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_runs_total",
			Help: "Total number of account backfill runs",
		},
		[]string{"status"},
	)

	m.queueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_queue_jobs_total",
			Help: "Total number of moderation jobs by outcome",
		},
		[]string{"job_type", "status"}, // status: enqueued, duplicate, done, retry, failed
	)

	m.queueJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moderation_queue_job_duration_seconds",
			Help:    "Time taken to process one moderation job",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_decisions_total",
			Help: "Total number of moderation decisions",
		},
		[]string{"action", "category", "degraded"},
	)

	m.enforcementTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enforcement_actions_total",
			Help: "Total number of enforcement actions by outcome",
		},
		[]string{"action", "status"},
	)

	m.platformRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_requests_total",
			Help: "Total number of Graph API requests",
		},
		[]string{"platform", "method", "status"},
	)

	m.platformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_request_duration_seconds",
			Help:    "Time taken by Graph API requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"platform"},
	)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.webhookEventsTotal.Describe(ch)
	m.commentsIngestedTotal.Describe(ch)
	m.backfillRunsTotal.Describe(ch)
	m.queueJobsTotal.Describe(ch)
	m.queueJobDuration.Describe(ch)
	m.decisionsTotal.Describe(ch)
	m.enforcementTotal.Describe(ch)
	m.platformRequestsTotal.Describe(ch)
	m.platformDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.webhookEventsTotal.Collect(ch)
	m.commentsIngestedTotal.Collect(ch)
	m.backfillRunsTotal.Collect(ch)
	m.queueJobsTotal.Collect(ch)
	m.queueJobDuration.Collect(ch)
	m.decisionsTotal.Collect(ch)
	m.enforcementTotal.Collect(ch)
	m.platformRequestsTotal.Collect(ch)
	m.platformDuration.Collect(ch)
}

func (m *Metrics) RecordWebhook(status string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordIngest(source, result string) {
	if m == nil {
		return
	}
	m.commentsIngestedTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) RecordBackfill(status string) {
	if m == nil {
		return
	}
	m.backfillRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordJob(jobType, status string) {
	if m == nil {
		return
	}
	m.queueJobsTotal.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ObserveJobDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.queueJobDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordDecision(action, category string, degraded bool) {
	if m == nil {
		return
	}
	d := "false"
	if degraded {
		d = "true"
	}
	m.decisionsTotal.WithLabelValues(action, category, d).Inc()
}

func (m *Metrics) RecordEnforcement(action, status string) {
	if m == nil {
		return
	}
	m.enforcementTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RecordPlatformRequest(platform, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.platformRequestsTotal.WithLabelValues(platform, method, status).Inc()
	m.platformDuration.WithLabelValues(platform).Observe(d.Seconds())
}
