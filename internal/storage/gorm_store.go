package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"sitepulse/internal/analytics"
	"sitepulse/internal/projects"
)

// GormStore runs the rollup writes against the cartridge-managed SQLite database.
type GormStore struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	now       func() time.Time
}

// NewGormStore creates a store on top of the application's DB manager.
func NewGormStore(dbManager cartridge.DBManager, logger *slog.Logger) *GormStore {
	return &GormStore{
		dbManager: dbManager,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.dbManager.GetConnection().WithContext(ctx)
}

// UpsertIncrement executes one INSERT ... ON CONFLICT ... RETURNING id statement
// inside cartridge's busy-retrying write helper.
func (s *GormStore) UpsertIncrement(ctx context.Context, u Upsert) (uint, error) {
	query, args, err := buildUpsert(u, s.now(), questionMark)
	if err != nil {
		return 0, err
	}

	var id uint
	err = sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
		return tx.Raw(query, args...).Scan(&id).Error
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", u.Table, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("upsert %s: no id returned", u.Table)
	}
	return id, nil
}

// InsertAppendOnly inserts one row without conflict handling.
func (s *GormStore) InsertAppendOnly(ctx context.Context, table string, row []Column) error {
	query, args, err := buildInsert(table, row, s.now(), questionMark)
	if err != nil {
		return err
	}

	err = sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
		return tx.Exec(query, args...).Error
	})
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// FindProjectByDomain looks up the project registered for domain.
func (s *GormStore) FindProjectByDomain(ctx context.Context, domain string) (*projects.Project, error) {
	return projects.FindProjectByDomain(s.db(ctx), domain)
}

// DeletePerformanceSamplesBefore prunes performance samples older than cutoff.
func (s *GormStore) DeletePerformanceSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
		n, err := analytics.DeletePerformanceSamplesBefore(tx, cutoff)
		deleted = n
		return err
	})
	return deleted, err
}

func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}
