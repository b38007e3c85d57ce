// Package metrics exposes Prometheus collectors for the rank tracker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var statuses = []string{"active", "exhausted", "paused", "error"}

var (
	providerRequestsTotal      *prometheus.CounterVec
	providerRequestSeconds     *prometheus.HistogramVec
	trackTotal                 *prometheus.CounterVec
	credentialUsedToday        *prometheus.GaugeVec
	credentialUsedThisMonth    *prometheus.GaugeVec
	credentialStatus           *prometheus.GaugeVec
	bulkKeywordsTotal          *prometheus.CounterVec
	bulkJobSeconds             prometheus.Histogram
	throttleDelaySeconds       *prometheus.HistogramVec
	maintenanceRunsTotal       *prometheus.CounterVec
	mirrorDroppedTotal         prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serp_provider_requests_total",
				Help: "Provider requests, labeled by credential and outcome.",
			},
			[]string{"credential", "outcome"},
		)

		providerRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serp_provider_request_duration_seconds",
				Help:    "Histogram of provider request latencies, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		trackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serp_track_total",
				Help: "Keyword lookups, labeled by outcome (found, not_found, failed).",
			},
			[]string{"outcome"},
		)

		credentialUsedToday = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "serp_credential_used_today",
				Help: "Requests served today per credential.",
			},
			[]string{"credential"},
		)

		credentialUsedThisMonth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "serp_credential_used_this_month",
				Help: "Requests served this month per credential.",
			},
			[]string{"credential"},
		)

		credentialStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "serp_credential_status",
				Help: "1 for the current status of each credential, 0 otherwise.",
			},
			[]string{"credential", "status"},
		)

		bulkKeywordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serp_bulk_keywords_total",
				Help: "Keywords finished by bulk jobs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		bulkJobSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "serp_bulk_job_duration_seconds",
				Help:    "Histogram of bulk job durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serp_throttle_delay_seconds",
				Help:    "Histogram of per-credential throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"credential"},
		)

		maintenanceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serp_maintenance_runs_total",
				Help: "Scheduled maintenance runs, labeled by task and outcome.",
			},
			[]string{"task", "outcome"},
		)

		mirrorDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "serp_mirror_dropped_total",
				Help: "Credential snapshots dropped by the write-behind mirror due to backpressure.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProviderRequest records one provider call.
func ObserveProviderRequest(credentialID, outcome string, duration time.Duration) {
	Init()
	providerRequestsTotal.WithLabelValues(credentialID, outcome).Inc()
	providerRequestSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveTrack records the outcome of one keyword lookup.
func ObserveTrack(outcome string) {
	Init()
	trackTotal.WithLabelValues(outcome).Inc()
}

// SetCredentialState publishes usage counters and status for a credential.
func SetCredentialState(credentialID, status string, usedToday, usedThisMonth int) {
	Init()
	credentialUsedToday.WithLabelValues(credentialID).Set(float64(usedToday))
	credentialUsedThisMonth.WithLabelValues(credentialID).Set(float64(usedThisMonth))
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		credentialStatus.WithLabelValues(credentialID, s).Set(v)
	}
}

// DeleteCredential drops all series for a removed credential.
func DeleteCredential(credentialID string) {
	Init()
	credentialUsedToday.DeleteLabelValues(credentialID)
	credentialUsedThisMonth.DeleteLabelValues(credentialID)
	for _, s := range statuses {
		credentialStatus.DeleteLabelValues(credentialID, s)
	}
}

// ObserveBulkJob records a finished bulk job.
func ObserveBulkJob(successful, failed int, duration time.Duration) {
	Init()
	bulkKeywordsTotal.WithLabelValues("successful").Add(float64(successful))
	bulkKeywordsTotal.WithLabelValues("failed").Add(float64(failed))
	bulkJobSeconds.Observe(duration.Seconds())
}

// ObserveThrottleDelay records the duration of a throttle wait.
func ObserveThrottleDelay(credentialID string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(credentialID).Observe(duration.Seconds())
}

// ObserveMaintenance records one scheduled task run.
func ObserveMaintenance(task string, err error) {
	Init()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	maintenanceRunsTotal.WithLabelValues(task, outcome).Inc()
}

// IncMirrorDropped counts snapshots dropped by the mirror.
func IncMirrorDropped(n int) {
	Init()
	mirrorDroppedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
