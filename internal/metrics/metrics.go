// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay_scheduler"

var (
	// SweepsTotal counts reconciliation sweeps by trigger (foreground, background, action).
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeps_total",
		Help:      "Reconciliation sweeps run, by trigger.",
	}, []string{"trigger"})

	// SchedulesPurgedTotal counts expired schedules removed by sweeps.
	SchedulesPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedules_purged_total",
		Help:      "Expired schedules removed from the store.",
	})

	// SchedulesCreatedTotal counts schedules accepted by Create.
	SchedulesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedules_created_total",
		Help:      "Schedules created by user action.",
	})

	// MirrorPushesTotal counts mirror pushes by target and result.
	MirrorPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mirror_pushes_total",
		Help:      "Schedule mirror pushes, by target and result.",
	}, []string{"target", "result"})

	// NotificationsTotal counts notification lifecycle events (scheduled, delivered, failed, cancelled).
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Local notification lifecycle events.",
	}, []string{"event"})

	// OpenOutputs is the number of outputs with a running foreground timer.
	OpenOutputs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_outputs",
		Help:      "Outputs currently reconciled by a foreground timer.",
	})

	// APIRequestsTotal counts HTTP requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP requests, by method, route and status.",
	}, []string{"method", "route", "status"})

	// APIRequestDuration observes HTTP latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
