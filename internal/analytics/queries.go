package analytics

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Totals are the lifetime counters of a project's aggregate.
type Totals struct {
	PageVisits int64 `json:"page_visits"`
	Visitors   int64 `json:"visitors"`
}

// RouteCountResult is one row of the route rollup.
type RouteCountResult struct {
	Route      string `json:"route"`
	PageVisits int64  `json:"page_visits"`
	Visitors   int64  `json:"visitors"`
}

// DailyPoint is one day of the daily series.
type DailyPoint struct {
	Date       time.Time `json:"date"`
	PageVisits int64     `json:"page_visits"`
	Visitors   int64     `json:"visitors"`
}

// Dimension names a visitors-only rollup.
type Dimension string

const (
	DimensionCountry Dimension = "country"
	DimensionDevice  Dimension = "device"
	DimensionOS      Dimension = "os"
	DimensionSource  Dimension = "source"
)

var dimensionTables = map[Dimension]string{
	DimensionCountry: CountryStatsTable,
	DimensionDevice:  DeviceStatsTable,
	DimensionOS:      OSStatsTable,
	DimensionSource:  SourceStatsTable,
}

// GetTotals returns the project's lifetime totals; a project with no events yet reports zeros.
func GetTotals(db *gorm.DB, projectID uint) (Totals, error) {
	var totals Totals
	err := db.Raw(`
		SELECT total_page_visits AS page_visits, total_visitors AS visitors
		FROM analytics_aggregates
		WHERE project_id = ?
	`, projectID).Scan(&totals).Error
	if err != nil {
		return Totals{}, fmt.Errorf("failed to get totals: %w", err)
	}
	return totals, nil
}

// GetTopRoutes lists routes ordered by page visits.
func GetTopRoutes(db *gorm.DB, params ProjectScopedQueryParams) ([]RouteCountResult, error) {
	var results []RouteCountResult

	query := `
		SELECT r.route, r.page_visits, r.visitors
		FROM route_stats r
		JOIN analytics_aggregates a ON a.id = r.aggregate_id
		WHERE a.project_id = ?
		ORDER BY r.page_visits DESC, r.route ASC
		LIMIT ?
	`
	if err := db.Raw(query, params.ProjectID, params.limit()).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to get top routes: %w", err)
	}
	return results, nil
}

// GetVisitorsByDimension lists one visitors-only rollup ordered by visitors.
// Keys with zero visitors are omitted.
func GetVisitorsByDimension(db *gorm.DB, params ProjectScopedQueryParams, dimension Dimension) ([]MetricCountResult, error) {
	table, ok := dimensionTables[dimension]
	if !ok {
		return nil, fmt.Errorf("unknown dimension: %s", dimension)
	}

	var results []MetricCountResult
	query := fmt.Sprintf(`
		SELECT d.%[1]s AS name, d.visitors AS count
		FROM %[2]s d
		JOIN analytics_aggregates a ON a.id = d.aggregate_id
		WHERE a.project_id = ?
		AND d.visitors > 0
		ORDER BY d.visitors DESC, d.%[1]s ASC
		LIMIT ?
	`, string(dimension), table)

	if err := db.Raw(query, params.ProjectID, params.limit()).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to get %s stats: %w", dimension, err)
	}
	return results, nil
}

// GetDailySeries returns the daily rollup rows within the window, oldest first.
func GetDailySeries(db *gorm.DB, params ProjectScopedQueryParams) ([]DailyPoint, error) {
	var rows []DailyStat
	err := db.
		Joins("JOIN analytics_aggregates ON analytics_aggregates.id = daily_stats.aggregate_id").
		Where("analytics_aggregates.project_id = ?", params.ProjectID).
		Where("daily_stats.date BETWEEN ? AND ?", DayBucket(params.From), params.To).
		Order("daily_stats.date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get daily series: %w", err)
	}

	points := make([]DailyPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, DailyPoint{
			Date:       row.Date.UTC(),
			PageVisits: row.PageVisits,
			Visitors:   row.Visitors,
		})
	}
	return points, nil
}
