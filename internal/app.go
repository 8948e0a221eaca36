// Package internal contains core application functionality
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"

	"sitepulse/internal/config"
	"sitepulse/internal/database"
	"sitepulse/internal/geo"
	"sitepulse/internal/jobs"
	"sitepulse/internal/storage"
)

const postgresConnectTimeout = 10 * time.Second

// Application wraps cartridge.Application with the collector's storage and GeoIP components.
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager
	Store     storage.Store
	Resolver  *geo.Resolver

	logger  *slog.Logger
	pqStore *storage.PQStore
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig creates a new application with the provided config.
// With dbtype=postgres the rollup writes, the project registry and the stats
// read side all use Postgres; SQLite remains for the health check.
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	resolver := geo.NewResolver(cfg.GeoDBPath, logger)

	a := &Application{
		DBManager: dbManager,
		Resolver:  resolver,
		logger:    logger,
	}

	var readDB *gorm.DB
	if cfg.UsesPostgres() {
		ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
		defer cancel()

		pqStore, err := storage.OpenPQStore(ctx, cfg.PostgresDSN, cfg.GetMaxOpenConns(), cfg.GetMaxIdleConns(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		readDB, err = pqStore.ReadDB()
		if err != nil {
			pqStore.Close()
			return nil, err
		}
		a.pqStore = pqStore
		a.Store = pqStore
		logger.Info("Aggregation and stats use postgres")
	} else {
		a.Store = storage.NewGormStore(dbManager, logger)
	}

	scheduler := jobs.NewScheduler(a.Store, resolver, logger, cfg)

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		RouteMountFunc: MountAppRoutesWith(Dependencies{
			Store:    a.Store,
			Resolver: resolver,
			ReadDB:   readDB,
		}),
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		if a.pqStore != nil {
			a.pqStore.Close()
		}
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	a.Application = app

	return a, nil
}

// Migrate creates or updates the SQLite schema and, when configured, the Postgres schema.
func (a *Application) Migrate(ctx context.Context) error {
	if err := a.DBManager.MigrateDatabase(); err != nil {
		return err
	}
	if a.pqStore != nil {
		if err := a.pqStore.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate postgres: %w", err)
		}
	}
	return nil
}

// Shutdown stops the server and background jobs, then releases the GeoIP
// database and the Postgres pool.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.Application.Shutdown(ctx)

	if closeErr := a.Resolver.Close(); closeErr != nil {
		a.logger.Warn("Failed to close GeoIP database", slog.Any("error", closeErr))
	}
	if a.pqStore != nil {
		err = errors.Join(err, a.pqStore.Close())
	}
	return err
}
