package analytics

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PerformanceSummary averages the samples in a window.
type PerformanceSummary struct {
	Samples        int64   `json:"samples"`
	LoadTime       float64 `json:"load_time"`
	DomReady       float64 `json:"dom_ready"`
	NetworkLatency float64 `json:"network_latency"`
	ProcessingTime float64 `json:"processing_time"`
	TotalTime      float64 `json:"total_time"`
}

// ListPerformanceSamples returns the most recent samples within the window.
func ListPerformanceSamples(db *gorm.DB, params ProjectScopedQueryParams) ([]PerformanceSample, error) {
	var samples []PerformanceSample
	err := db.
		Joins("JOIN analytics_aggregates ON analytics_aggregates.id = performance_samples.aggregate_id").
		Where("analytics_aggregates.project_id = ?", params.ProjectID).
		Where("performance_samples.date BETWEEN ? AND ?", DayBucket(params.From), params.To).
		Order("performance_samples.id DESC").
		Limit(params.limit()).
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list performance samples: %w", err)
	}
	return samples, nil
}

// GetPerformanceSummary computes read-time averages over the samples in the window.
func GetPerformanceSummary(db *gorm.DB, params ProjectScopedQueryParams) (PerformanceSummary, error) {
	var summary PerformanceSummary

	query := `
		SELECT
			COUNT(p.id) AS samples,
			COALESCE(AVG(p.load_time), 0) AS load_time,
			COALESCE(AVG(p.dom_ready), 0) AS dom_ready,
			COALESCE(AVG(p.network_latency), 0) AS network_latency,
			COALESCE(AVG(p.processing_time), 0) AS processing_time,
			COALESCE(AVG(p.total_time), 0) AS total_time
		FROM performance_samples p
		JOIN analytics_aggregates a ON a.id = p.aggregate_id
		WHERE a.project_id = ?
		AND p.date BETWEEN ? AND ?
	`
	err := db.Raw(query, params.ProjectID, DayBucket(params.From), params.To).Scan(&summary).Error
	if err != nil {
		return PerformanceSummary{}, fmt.Errorf("failed to get performance summary: %w", err)
	}
	return summary, nil
}

// DeletePerformanceSamplesBefore removes samples dated before cutoff and returns
// the number of rows deleted.
func DeletePerformanceSamplesBefore(db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.Where("date < ?", DayBucket(cutoff)).Delete(&PerformanceSample{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete performance samples: %w", result.Error)
	}
	return result.RowsAffected, nil
}
