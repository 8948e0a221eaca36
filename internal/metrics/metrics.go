// Package metrics holds the collector's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts accepted events by event name.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_events_received_total",
		Help: "Total number of events accepted for aggregation",
	}, []string{"event"})

	// EventsRejected counts soft rejections by reason code.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_events_rejected_total",
		Help: "Total number of events rejected during validation",
	}, []string{"code"})

	// ClassificationFailures counts malformed payloads.
	ClassificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_classification_failures_total",
		Help: "Total number of payloads that could not be decoded or validated",
	})

	// BotEvents counts accepted events whose user agent matched a bot rule.
	BotEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_bot_events_total",
		Help: "Total number of accepted events sent by known bots",
	})

	// AggregationFailures counts events whose aggregation stopped on a storage error, by table.
	AggregationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_aggregation_failures_total",
		Help: "Total number of failed rollup writes",
	}, []string{"table"})

	// UpsertLatency measures one rollup write, by table.
	UpsertLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitepulse_upsert_latency_seconds",
		Help:    "Rollup write latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	// PerformanceSamplesPruned counts samples removed by the retention job.
	PerformanceSamplesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_performance_samples_pruned_total",
		Help: "Total number of performance samples removed by retention",
	})
)

// ObserveUpsert records the latency of one write to table.
func ObserveUpsert(table string, start time.Time) {
	UpsertLatency.WithLabelValues(table).Observe(time.Since(start).Seconds())
}
