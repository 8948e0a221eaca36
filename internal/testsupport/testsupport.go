package testsupport

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sitepulse/internal"
	"sitepulse/internal/config"
	"sitepulse/internal/database"
	"sitepulse/internal/projects"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a test database with all models migrated.
// Uses a named in-memory database with cache=shared so every connection sees
// the same data. The pool is capped at one connection so concurrent writers
// queue on the pool instead of failing with a shared-cache lock error.
// Databases are cached by root test name.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	db, sqlDB := openTestDB(t, rootName)

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB.Close()
	})

	return db
}

// SetupIsolatedTestDB opens a fresh migrated database that is never shared
// through the cache, for tests that need a second store.
func SetupIsolatedTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, sqlDB := openTestDB(t, t.Name()+"_isolated")
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func openTestDB(t *testing.T, name string) (*gorm.DB, *sql.DB) {
	t.Helper()

	sanitizedName := strings.ReplaceAll(name, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("testsupport: failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}
	return db, sqlDB
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	db := SetupTestDB(t)
	return NewTestDBManager(db), GetLogger()
}

// SetupTestDBManagerWithProject creates a test database manager with a registered project
func SetupTestDBManagerWithProject(t *testing.T, domain string) (*TestDBManager, *slog.Logger, projects.Project) {
	dbManager, logger := SetupTestDBManager(t)
	project := CreateTestProject(dbManager.GetConnection(), domain)
	return dbManager, logger, project
}

// CreateTestProject creates a project in the database unless one already exists
func CreateTestProject(db *gorm.DB, domain string) projects.Project {
	var project projects.Project
	if db.Where("domain = ?", domain).First(&project).Error != nil {
		project = projects.Project{Domain: domain, CreatedAt: time.Now().UTC()}
		db.Create(&project)
	}
	return project
}

// CleanAllTables clears all non-system tables in the database
func CleanAllTables(db *gorm.DB) {
	var tables []string
	db.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tables)
	if len(tables) == 0 {
		return
	}

	db.Exec("PRAGMA foreign_keys = OFF")
	defer db.Exec("PRAGMA foreign_keys = ON")

	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// CreateMinimalTestApp creates a test Fiber app with all routes mounted on db.
func CreateMinimalTestApp(t *testing.T, db *gorm.DB) *fiber.App {
	t.Helper()
	return CreateTestAppWith(t, db, internal.Dependencies{})
}

// CreateTestAppWith builds a test server over db and mounts the routes with deps.
func CreateTestAppWith(t *testing.T, db *gorm.DB, deps internal.Dependencies) *fiber.App {
	t.Helper()

	dbManager := NewTestDBManager(db)
	appConfig := config.GetConfig()
	appConfig.Environment = config.Test

	cfg := cartridge.DefaultServerConfig()
	cfg.Config = appConfig
	cfg.Logger = GetLogger()
	cfg.DBManager = dbManager

	srv, err := cartridge.NewServer(cfg)
	if err != nil {
		t.Fatalf("testsupport: failed to create server: %v", err)
	}

	internal.MountAppRoutesWith(deps)(srv)
	return srv.App()
}
