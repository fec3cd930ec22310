// Package storage defines the unified Store interface over plugin and run
// persistence. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL (production).
package storage

import (
	"context"
	"time"

	"github.com/Hungruong/wasm-forge/internal/plugin"
)

// Store is the unified persistence interface. Both backends implement it;
// the returned sub-stores share the same underlying connection.
type Store interface {
	Plugins() plugin.Store
	Runs() plugin.RunStore

	// Ping checks the connection for health/readiness probes.
	Ping(ctx context.Context) error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from the workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultDriver is used when the config names no driver.
const DefaultDriver = DriverSQLite
