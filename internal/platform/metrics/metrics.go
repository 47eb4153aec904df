// Package metrics holds the Prometheus collectors shared by the archive
// service, the CLI and the sweep scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rubberband"

var (
	// ingestTotal counts finished ingestion calls.
	// Labels: mode (import, reimport), status (success, duplicate, fail)
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "bundles_total",
		Help:      "Ingested bundles by mode and final status",
	}, []string{"mode", "status"})

	// ingestStageDuration measures pipeline stages.
	// Labels: stage (hash, parse, write, archive, total)
	ingestStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "stage_duration_seconds",
		Help:      "Duration of ingestion pipeline stages",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	// lifecycleDeletes counts cascading deletes by trigger (api, sweep, cli).
	lifecycleDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "run_deletes_total",
		Help:      "Runs removed by cascading delete",
	}, []string{"trigger"})

	// sweepRuns counts sweep executions by outcome (ok, error, skipped).
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "sweeps_total",
		Help:      "Expiration sweep executions by outcome",
	}, []string{"outcome"})

	// missingObjects counts archived objects that were already gone on delete.
	missingObjects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "missing_objects_total",
		Help:      "Archived backup objects missing during cascade delete",
	})

	// httpRequests counts served requests.
	// Labels: service, method, code
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by service, method and status code",
	}, []string{"service", "method", "code"})
)

func RecordIngest(mode, status string) {
	ingestTotal.WithLabelValues(mode, status).Inc()
}

func ObserveStage(stage string, started time.Time) {
	ingestStageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func RecordDelete(trigger string) {
	lifecycleDeletes.WithLabelValues(trigger).Inc()
}

func RecordSweep(outcome string) {
	sweepRuns.WithLabelValues(outcome).Inc()
}

func RecordMissingObject() {
	missingObjects.Inc()
}

func RecordHTTPRequest(service, method string, code int) {
	httpRequests.WithLabelValues(service, method, strconv.Itoa(code)).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
