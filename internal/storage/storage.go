// Package storage is the write-side storage collaborator of the aggregation
// pipeline. Every counter write is a single atomic insert-or-increment
// statement; no implementation reads a counter before writing it.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"sitepulse/internal/projects"
)

// ErrInvalidIdentifier is returned when a table or column is not a known rollup identifier.
var ErrInvalidIdentifier = errors.New("storage: invalid identifier")

// Column is a named value. Key columns are matched; increment columns carry deltas.
type Column struct {
	Name  string
	Value any
}

// Upsert describes one insert-or-increment against a table with a unique key.
// When no row matches Key, a row is inserted with Increments as initial values;
// otherwise each increment is added to the stored counter.
type Upsert struct {
	Table      string
	Key        []Column
	Increments []Column
}

// Store is the storage collaborator consumed by ingestion and aggregation.
type Store interface {
	// UpsertIncrement atomically inserts or increments and returns the row id.
	UpsertIncrement(ctx context.Context, u Upsert) (uint, error)
	// InsertAppendOnly inserts one new row.
	InsertAppendOnly(ctx context.Context, table string, row []Column) error
	// FindProjectByDomain returns *projects.NotFoundError when no project matches.
	FindProjectByDomain(ctx context.Context, domain string) (*projects.Project, error)
	// DeletePerformanceSamplesBefore prunes samples dated before cutoff.
	DeletePerformanceSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IsBusy reports whether err is a transient lock error from the database.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if isPQBusy(err) || isSQLiteBusy(err) {
		return true
	}
	// PerformWrite can report a retry-exhausted write without the driver error.
	return strings.Contains(err.Error(), "database is locked")
}
