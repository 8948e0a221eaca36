// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase   = "sqlite"
	PostgresDatabase = "postgres"
)

const defaultPrivateKey = "88888888888888888888888888888888"

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// Read-side stats endpoint. Empty disables the bearer check.
	StatsAPIKey string `mapstructure:"statsapikey"`

	// File paths
	DatabasePath          string `mapstructure:"storagepath"`
	DatabaseName          string `mapstructure:"-"` // Derived from other settings
	GeoDBPath             string `mapstructure:"geodbpath"`
	PublicDirectory       string `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	PostgresDSN          string `mapstructure:"postgresdsn"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Ingestion settings
	IngestRateLimitPerMinute int `mapstructure:"ingestratelimitperminute"`

	// Job scheduling settings
	JobIntervalSeconds int `mapstructure:"jobintervalseconds"`

	// Data retention settings
	PerformanceRetentionDays int `mapstructure:"performanceretentiondays"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		// A missing .env file is the normal case outside local development.
		_ = godotenv.Load()

		v := viper.New()

		v.SetDefault("appname", "sitepulse")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", defaultPrivateKey)
		v.SetDefault("statsapikey", "")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("geodbpath", "")
		v.SetDefault("publicdir", "web/dist/assets")
		v.SetDefault("publicassetsurlprefix", "/")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("postgresdsn", "")
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("ingestratelimitperminute", 70)
		v.SetDefault("jobintervalseconds", 3600)
		v.SetDefault("performanceretentiondays", 90)

		v.BindEnv("appname", "SITEPULSE_APP_NAME")
		v.BindEnv("appport", "SITEPULSE_APP_PORT")
		v.BindEnv("environment", "SITEPULSE_ENV")
		v.BindEnv("loglevel", "SITEPULSE_LOG_LEVEL")
		v.BindEnv("privatekey", "SITEPULSE_PRIVATE_KEY")
		v.BindEnv("statsapikey", "SITEPULSE_STATS_API_KEY")
		v.BindEnv("storagepath", "SITEPULSE_STORAGE_PATH")
		v.BindEnv("geodbpath", "SITEPULSE_GEO_DB_PATH")
		v.BindEnv("publicdir", "SITEPULSE_PUBLIC_DIR")
		v.BindEnv("publicassetsurlprefix", "SITEPULSE_PUBLIC_ASSETS_URL_PREFIX")
		v.BindEnv("logsdir", "SITEPULSE_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "SITEPULSE_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "SITEPULSE_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "SITEPULSE_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "SITEPULSE_DB_TYPE")
		v.BindEnv("postgresdsn", "SITEPULSE_POSTGRES_DSN")
		v.BindEnv("dbmaxopenconns", "SITEPULSE_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "SITEPULSE_DB_MAX_IDLE_CONNS")
		v.BindEnv("ingestratelimitperminute", "SITEPULSE_INGEST_RATE_LIMIT_PER_MINUTE")
		v.BindEnv("jobintervalseconds", "SITEPULSE_JOB_INTERVAL_SECONDS")
		v.BindEnv("performanceretentiondays", "SITEPULSE_PERFORMANCE_RETENTION_DAYS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()

		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultPrivateKey {
			log.Fatal("Production requires a unique SITEPULSE_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase:   true,
		PostgresDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}
	if c.DatabaseType == PostgresDatabase && c.PostgresDSN == "" {
		return fmt.Errorf("postgres database requires SITEPULSE_POSTGRES_DSN")
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// UsesPostgres reports whether aggregation writes go to Postgres instead of SQLite.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseType == PostgresDatabase
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
// The collector sets no cookies; cartridge still requires a secret.
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
