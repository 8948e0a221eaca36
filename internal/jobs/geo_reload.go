package jobs

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// ReloadableGeoDB is a GeoIP database that can be reopened from disk.
type ReloadableGeoDB interface {
	Path() string
	Reload()
}

// GeoReloadJob reopens the GeoLite2 database when the file on disk changes,
// e.g. after geoipupdate replaced it.
type GeoReloadJob struct {
	db      ReloadableGeoDB
	logger  *slog.Logger
	modTime time.Time
	size    int64
}

func NewGeoReloadJob(db ReloadableGeoDB, logger *slog.Logger) *GeoReloadJob {
	j := &GeoReloadJob{db: db, logger: logger}
	if info, err := os.Stat(db.Path()); err == nil {
		j.modTime = info.ModTime()
		j.size = info.Size()
	}
	return j
}

// Run reloads the database if its modification time or size changed since the last run.
func (j *GeoReloadJob) Run(_ context.Context) error {
	path := j.db.Path()
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			j.logger.Debug("GeoLite2 database not present", slog.String("path", path))
			return nil
		}
		return err
	}

	if info.ModTime().Equal(j.modTime) && info.Size() == j.size {
		j.logger.Debug("GeoLite2 database unchanged", slog.String("path", path))
		return nil
	}

	j.logger.Info("GeoLite2 database changed on disk, reloading",
		slog.String("path", path),
		slog.Time("modified", info.ModTime()))
	j.db.Reload()
	j.modTime = info.ModTime()
	j.size = info.Size()
	return nil
}
