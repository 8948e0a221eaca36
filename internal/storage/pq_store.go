package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sitepulse/internal/analytics"
	"sitepulse/internal/projects"
)

// Postgres error codes treated as transient lock contention.
const (
	pqLockNotAvailable     = "55P03"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// pqSchema mirrors the gorm models for deployments that aggregate into Postgres.
var pqSchema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id BIGSERIAL PRIMARY KEY,
		domain TEXT NOT NULL UNIQUE,
		owner_id BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS analytics_aggregates (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		total_page_visits BIGINT NOT NULL DEFAULT 0,
		total_visitors BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT idx_aggregate_project UNIQUE (project_id)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_stats (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id BIGINT NOT NULL REFERENCES analytics_aggregates(id) ON DELETE CASCADE,
		date TIMESTAMPTZ NOT NULL,
		page_visits BIGINT NOT NULL DEFAULT 0,
		visitors BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT idx_daily_unique UNIQUE (aggregate_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS route_stats (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id BIGINT NOT NULL REFERENCES analytics_aggregates(id) ON DELETE CASCADE,
		route TEXT NOT NULL,
		page_visits BIGINT NOT NULL DEFAULT 0,
		visitors BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT idx_route_unique UNIQUE (aggregate_id, route)
	)`,
	dimensionTableDDL(analytics.CountryStatsTable, "country", "idx_country_unique"),
	dimensionTableDDL(analytics.DeviceStatsTable, "device", "idx_device_unique"),
	dimensionTableDDL(analytics.OSStatsTable, "os", "idx_os_unique"),
	dimensionTableDDL(analytics.SourceStatsTable, "source", "idx_source_unique"),
	`CREATE TABLE IF NOT EXISTS performance_samples (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id BIGINT NOT NULL REFERENCES analytics_aggregates(id) ON DELETE CASCADE,
		load_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		dom_ready DOUBLE PRECISION NOT NULL DEFAULT 0,
		network_latency DOUBLE PRECISION NOT NULL DEFAULT 0,
		processing_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		date TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_perf_aggregate_date ON performance_samples (aggregate_id, date)`,
}

func dimensionTableDDL(table, column, constraint string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id BIGINT NOT NULL REFERENCES analytics_aggregates(id) ON DELETE CASCADE,
		%[2]s TEXT NOT NULL,
		visitors BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT %[3]s UNIQUE (aggregate_id, %[2]s)
	)`, table, column, constraint)
}

// PQStore runs the rollup writes against Postgres through lib/pq.
type PQStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*PQStore)(nil)

// OpenPQStore connects to Postgres and verifies the connection.
func OpenPQStore(ctx context.Context, dsn string, maxOpen, maxIdle int, logger *slog.Logger) (*PQStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewPQStore(db, logger), nil
}

// NewPQStore wraps an existing connection pool.
func NewPQStore(db *sql.DB, logger *slog.Logger) *PQStore {
	return &PQStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the project and rollup tables if they are missing.
func (s *PQStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range pqSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	s.logger.Info("Postgres migration completed successfully")
	return nil
}

// ReadDB wraps the pool in a gorm handle so the stats queries and the
// project filter read the same tables the rollups are written to.
func (s *PQStore) ReadDB() (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: s.db}), &gorm.Config{
		Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres read handle: %w", err)
	}
	return db, nil
}

// Close releases the connection pool.
func (s *PQStore) Close() error {
	return s.db.Close()
}

// UpsertIncrement executes one INSERT ... ON CONFLICT ... RETURNING id statement.
func (s *PQStore) UpsertIncrement(ctx context.Context, u Upsert) (uint, error) {
	query, args, err := buildUpsert(u, s.now(), dollar)
	if err != nil {
		return 0, err
	}

	var id uint
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert %s: %w", u.Table, err)
	}
	return id, nil
}

// InsertAppendOnly inserts one row without conflict handling.
func (s *PQStore) InsertAppendOnly(ctx context.Context, table string, row []Column) error {
	query, args, err := buildInsert(table, row, s.now(), dollar)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// FindProjectByDomain looks up the project registered for domain.
func (s *PQStore) FindProjectByDomain(ctx context.Context, domain string) (*projects.Project, error) {
	domain = projects.NormalizeDomain(domain)
	if domain == "" {
		return nil, projects.NewNotFoundError(domain)
	}

	var p projects.Project
	err := s.db.QueryRowContext(ctx,
		"SELECT id, domain, owner_id, created_at FROM projects WHERE domain = $1", domain,
	).Scan(&p.ID, &p.Domain, &p.OwnerID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, projects.NewNotFoundError(domain)
	}
	if err != nil {
		return nil, fmt.Errorf("unexpected error querying project: %w", err)
	}
	return &p, nil
}

// DeletePerformanceSamplesBefore prunes performance samples older than cutoff.
func (s *PQStore) DeletePerformanceSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM performance_samples WHERE date < $1", analytics.DayBucket(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete performance samples: %w", err)
	}
	return res.RowsAffected()
}

func isPQBusy(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case pqLockNotAvailable, pqSerializationFailure, pqDeadlockDetected:
		return true
	}
	return false
}
