package http

import (
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"sitepulse/internal/geo"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	DBStatus    string    `json:"db_status"`
	GeoDatabase bool      `json:"geo_database"`
}

// NewHealthIndexAction returns the health check handler. A missing GeoIP
// database is reported but does not degrade the status.
func NewHealthIndexAction(resolver *geo.Resolver) func(ctx *cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		dbStatus := "ok"

		db := ctx.DBManager.GetConnection()
		if db == nil {
			dbStatus = "error"
			ctx.Logger.Error("Database connection unavailable")
		} else {
			sqlDB, err := db.DB()
			if err != nil {
				dbStatus = "error"
				ctx.Logger.Error("Database connection error", slog.Any("error", err))
			} else if err := sqlDB.Ping(); err != nil {
				dbStatus = "error"
				ctx.Logger.Error("Database ping failed", slog.Any("error", err))
			}
		}

		health := HealthStatus{
			Status:      "ok",
			Timestamp:   time.Now(),
			DBStatus:    dbStatus,
			GeoDatabase: resolver.HasDatabase(),
		}

		if dbStatus != "ok" {
			health.Status = "degraded"
		}

		return ctx.JSON(health)
	}
}
