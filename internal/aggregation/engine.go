// Package aggregation turns one classified event into insert-or-increment
// writes against the project's rollups.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sitepulse/internal/analytics"
	"sitepulse/internal/ingest"
	"sitepulse/internal/metrics"
	"sitepulse/internal/storage"
	"sitepulse/pkg/event"
)

// Engine applies classified events to the rollups. It holds no per-project
// state; concurrent Apply calls rely on the store's atomic upserts.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
}

// NewEngine creates an engine writing through store.
func NewEngine(store storage.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// WriteError reports the rollup write that stopped an Apply. Writes made
// before it remain committed.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("aggregate %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func flag(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Apply writes ev to the aggregate, daily, route, country, device, OS and
// source rollups, plus a performance sample for performance events. Only
// pageview and session_start events move counters.
func (e *Engine) Apply(ctx context.Context, ev *ingest.ClassifiedEvent) error {
	if ev == nil || ev.Project == nil {
		return fmt.Errorf("aggregate: event has no project")
	}

	pageviews := flag(ev.Name == event.NamePageView)
	sessions := flag(ev.Name == event.NameSessionStart)

	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	day := analytics.DayBucket(received)

	aggregateID, err := e.upsert(ctx, storage.Upsert{
		Table: analytics.AggregatesTable,
		Key:   []storage.Column{{Name: "project_id", Value: ev.Project.ID}},
		Increments: []storage.Column{
			{Name: "total_page_visits", Value: pageviews},
			{Name: "total_visitors", Value: sessions},
		},
	})
	if err != nil {
		return err
	}

	counters := []storage.Column{
		{Name: "page_visits", Value: pageviews},
		{Name: "visitors", Value: sessions},
	}

	upserts := []storage.Upsert{{
		Table:      analytics.DailyStatsTable,
		Key:        []storage.Column{{Name: "aggregate_id", Value: aggregateID}, {Name: "date", Value: day}},
		Increments: counters,
	}}

	if ev.Path != "" {
		upserts = append(upserts, storage.Upsert{
			Table:      analytics.RouteStatsTable,
			Key:        []storage.Column{{Name: "aggregate_id", Value: aggregateID}, {Name: "route", Value: ev.Path}},
			Increments: counters,
		})
	}

	// Country, device, OS and source are visitor attributes: they count sessions only.
	visitors := []storage.Column{{Name: "visitors", Value: sessions}}
	for _, dim := range []struct {
		table, column, value string
	}{
		{analytics.CountryStatsTable, "country", ev.Country},
		{analytics.DeviceStatsTable, "device", ev.Device},
		{analytics.OSStatsTable, "os", ev.OS},
		{analytics.SourceStatsTable, "source", ev.Source},
	} {
		upserts = append(upserts, storage.Upsert{
			Table:      dim.table,
			Key:        []storage.Column{{Name: "aggregate_id", Value: aggregateID}, {Name: dim.column, Value: dim.value}},
			Increments: visitors,
		})
	}

	for _, u := range upserts {
		if _, err := e.upsert(ctx, u); err != nil {
			return err
		}
	}

	if ev.Name == event.NamePerformance && len(ev.Data) > 0 {
		if err := e.insertSample(ctx, aggregateID, day, ev.Data); err != nil {
			return err
		}
	}

	metrics.EventsReceived.WithLabelValues(string(ev.Name)).Inc()
	return nil
}

func (e *Engine) upsert(ctx context.Context, u storage.Upsert) (uint, error) {
	start := time.Now()
	id, err := e.store.UpsertIncrement(ctx, u)
	metrics.ObserveUpsert(u.Table, start)
	if err != nil {
		return 0, e.failed(u.Table, err)
	}
	return id, nil
}

func (e *Engine) insertSample(ctx context.Context, aggregateID uint, day time.Time, data map[string]interface{}) error {
	sample := SampleFromData(data)

	start := time.Now()
	err := e.store.InsertAppendOnly(ctx, analytics.PerformanceSamplesTable, []storage.Column{
		{Name: "aggregate_id", Value: aggregateID},
		{Name: "load_time", Value: sample.LoadTime},
		{Name: "dom_ready", Value: sample.DomReady},
		{Name: "network_latency", Value: sample.NetworkLatency},
		{Name: "processing_time", Value: sample.ProcessingTime},
		{Name: "total_time", Value: sample.TotalTime},
		{Name: "date", Value: day},
	})
	metrics.ObserveUpsert(analytics.PerformanceSamplesTable, start)
	if err != nil {
		return e.failed(analytics.PerformanceSamplesTable, err)
	}
	return nil
}

func (e *Engine) failed(table string, err error) error {
	metrics.AggregationFailures.WithLabelValues(table).Inc()
	e.logger.Error("Rollup write failed", slog.String("table", table), slog.Any("error", err))
	return &WriteError{Table: table, Err: err}
}
