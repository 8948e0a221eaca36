// Package analytics provides the rollup table models written by the aggregation
// engine and the read-only queries the dashboard consumes.
//
// The package is organized into focused modules:
//   - analytics.go: rollup table model definitions
//   - queries.go: totals, per-dimension lists, daily series
//   - performance.go: performance sample listing and averages
package analytics

import (
	"time"

	"sitepulse/internal/projects"
)

// Table names written by the aggregation engine. They double as the identifier
// whitelist for the storage layer.
const (
	AggregatesTable         = "analytics_aggregates"
	DailyStatsTable         = "daily_stats"
	RouteStatsTable         = "route_stats"
	CountryStatsTable       = "country_stats"
	DeviceStatsTable        = "device_stats"
	OSStatsTable            = "os_stats"
	SourceStatsTable        = "source_stats"
	PerformanceSamplesTable = "performance_samples"
)

// MetricCountResult represents a generic key-count pair for query results
type MetricCountResult struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// ===== Rollup Table Definitions =====

// AnalyticsAggregate holds the per-project lifetime counters.
type AnalyticsAggregate struct {
	ID              uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID       uint              `gorm:"uniqueIndex:idx_aggregate_project;not null" json:"project_id"`
	Project         *projects.Project `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
	TotalPageVisits int64             `gorm:"not null;default:0" json:"total_page_visits"`
	TotalVisitors   int64             `gorm:"not null;default:0" json:"total_visitors"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// DailyStat buckets page visits and visitors per UTC calendar day.
type DailyStat struct {
	ID          uint                `gorm:"primaryKey;autoIncrement"`
	AggregateID uint                `gorm:"uniqueIndex:idx_daily_unique;not null"`
	Aggregate   *AnalyticsAggregate `gorm:"foreignKey:AggregateID;constraint:OnDelete:CASCADE"`
	Date        time.Time           `gorm:"uniqueIndex:idx_daily_unique;type:datetime;not null"`
	PageVisits  int64               `gorm:"not null;default:0"`
	Visitors    int64               `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RouteStat counts page visits and visitors per path.
type RouteStat struct {
	ID          uint                `gorm:"primaryKey;autoIncrement"`
	AggregateID uint                `gorm:"uniqueIndex:idx_route_unique;not null"`
	Aggregate   *AnalyticsAggregate `gorm:"foreignKey:AggregateID;constraint:OnDelete:CASCADE"`
	Route       string              `gorm:"uniqueIndex:idx_route_unique;not null"`
	PageVisits  int64               `gorm:"not null;default:0"`
	Visitors    int64               `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CountryStat counts sessions per ISO country code.
type CountryStat struct {
	ID          uint                `gorm:"primaryKey;autoIncrement"`
	AggregateID uint                `gorm:"uniqueIndex:idx_country_unique;not null"`
	Aggregate   *AnalyticsAggregate `gorm:"foreignKey:AggregateID;constraint:OnDelete:CASCADE"`
	Country     string              `gorm:"uniqueIndex:idx_country_unique;not null"`
	Visitors    int64               `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeviceStat counts sessions per device type.
type DeviceStat struct {
	ID          uint                `gorm:"primaryKey;autoIncrement"`
	AggregateID uint                `gorm:"uniqueIndex:idx_device_unique;not null"`
	Aggregate   *AnalyticsAggregate `gorm:"foreignKey:AggregateID;constraint:OnDelete:CASCADE"`
	Device      string              `gorm:"uniqueIndex:idx_device_unique;not null"`
	Visitors    int64               `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OSStat counts sessions per operating system.
type OSStat struct {
	ID          uint                `gorm:"primaryKey;autoIncrement"`
	AggregateID uint                `gorm:"uniqueIndex:idx_os_unique;not null"`
	Aggregate   *AnalyticsAggregate `gorm:"foreignKey:AggregateID;constraint:OnDelete:CASCADE"`
	OS          string              `gorm:"column:os;uniqueIndex:idx_os_unique;not null"`
	Visitors    int64               `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SourceStat counts sessions per traffic source.
type SourceStat struct {
	ID          uint                `gorm:"primaryKey;autoIncrement"`
	AggregateID uint                `gorm:"uniqueIndex:idx_source_unique;not null"`
	Aggregate   *AnalyticsAggregate `gorm:"foreignKey:AggregateID;constraint:OnDelete:CASCADE"`
	Source      string              `gorm:"uniqueIndex:idx_source_unique;not null"`
	Visitors    int64               `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PerformanceSample is one navigation-timing report. Rows are never merged;
// averages are computed at read time.
type PerformanceSample struct {
	ID             uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	AggregateID    uint                `gorm:"index:idx_perf_aggregate_date;not null" json:"-"`
	Aggregate      *AnalyticsAggregate `gorm:"foreignKey:AggregateID;constraint:OnDelete:CASCADE" json:"-"`
	LoadTime       float64             `gorm:"not null;default:0" json:"load_time"`
	DomReady       float64             `gorm:"not null;default:0" json:"dom_ready"`
	NetworkLatency float64             `gorm:"not null;default:0" json:"network_latency"`
	ProcessingTime float64             `gorm:"not null;default:0" json:"processing_time"`
	TotalTime      float64             `gorm:"not null;default:0" json:"total_time"`
	Date           time.Time           `gorm:"index:idx_perf_aggregate_date;type:datetime;not null" json:"date"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Models returns every analytics model for migration.
func Models() []any {
	return []any{
		&AnalyticsAggregate{},
		&DailyStat{},
		&RouteStat{},
		&CountryStat{},
		&DeviceStat{},
		&OSStat{},
		&SourceStat{},
		&PerformanceSample{},
	}
}

// DayBucket truncates t to midnight UTC of its calendar day.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
