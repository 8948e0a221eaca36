package jobs

import (
	"context"
	"log/slog"
	"time"

	"sitepulse/internal/metrics"
)

// SamplePruner deletes performance samples older than a cutoff.
type SamplePruner interface {
	DeletePerformanceSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob prunes performance samples past the retention window. Counter
// rollups are never pruned.
type CleanupJob struct {
	pruner        SamplePruner
	logger        *slog.Logger
	retentionDays int
	now           func() time.Time
}

func NewCleanupJob(pruner SamplePruner, logger *slog.Logger, retentionDays int) *CleanupJob {
	return &CleanupJob{
		pruner:        pruner,
		logger:        logger,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Run deletes samples dated before now minus the retention period.
// A non-positive retention keeps samples forever.
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.retentionDays <= 0 {
		j.logger.Debug("Performance sample retention disabled")
		return nil
	}

	cutoff := j.now().UTC().AddDate(0, 0, -j.retentionDays)

	j.logger.Info("Starting cleanup of old performance samples",
		slog.Int("retention_days", j.retentionDays),
		slog.Time("cutoff_date", cutoff))

	deleted, err := j.pruner.DeletePerformanceSamplesBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("Failed to delete old performance samples", slog.Any("error", err))
		return err
	}

	metrics.PerformanceSamplesPruned.Add(float64(deleted))

	j.logger.Info("Cleaned up old performance samples",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.retentionDays))
	return nil
}
