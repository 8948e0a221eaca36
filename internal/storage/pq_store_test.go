package storage

import (
	"database/sql"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sitepulse/internal/projects"
)

func TestPQStoreReadDBSharesPostgresPool(t *testing.T) {
	// sql.Open does not connect, so no server is needed to inspect the statements.
	pool, err := sql.Open("postgres", "host=127.0.0.1 port=1 sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store := NewPQStore(pool, slog.New(slog.DiscardHandler))

	db, err := store.ReadDB()
	require.NoError(t, err)
	assert.Equal(t, "postgres", db.Dialector.Name())
	assert.Same(t, pool, db.ConnPool)

	var project projects.Project
	stmt := db.Session(&gorm.Session{DryRun: true}).
		Where("domain = ?", "example.com").
		First(&project).Statement

	sqlText := stmt.SQL.String()
	assert.Contains(t, sqlText, `FROM "projects"`)
	assert.Contains(t, sqlText, "domain = $1")
}
