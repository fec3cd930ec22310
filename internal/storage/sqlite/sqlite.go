// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Hungruong/wasm-forge/internal/plugin"
	"github.com/Hungruong/wasm-forge/internal/storage"
	pgstore "github.com/Hungruong/wasm-forge/internal/storage/postgres"
)

// Store implements storage.Store backed by SQLite. Repositories are shared
// with the PostgreSQL backend — GORM abstracts the dialect.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	// Sub-store instances (created lazily on first access).
	mu      sync.Mutex
	plugins plugin.Store
	runs    plugin.RunStore
}

// Open creates a new SQLite-backed Store.
func Open(cfg storage.SQLiteConfig, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         pgstore.NewGormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

func (s *Store) Plugins() plugin.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plugins == nil {
		s.plugins = pgstore.NewPluginRepository(s.db)
	}
	return s.plugins
}

func (s *Store) Runs() plugin.RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = pgstore.NewRunRepository(s.db)
	}
	return s.runs
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := pgstore.AutoMigrate(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("auto-migrating sqlite schema: %w", err)
	}
	return nil
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

// compile-time interface check
var _ storage.Store = (*Store)(nil)
