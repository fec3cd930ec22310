// Package postgres implements PostgreSQL-backed storage using GORM.
// All GORM usage is confined to this package and its SQLite sibling —
// domain types remain ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Hungruong/wasm-forge/internal/plugin"
	"github.com/Hungruong/wasm-forge/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	// Sub-store instances (created lazily on first access).
	mu      sync.Mutex
	plugins plugin.Store
	runs    plugin.RunStore
}

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg storage.PostgresConfig, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         NewGormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	maxLifetime := cfg.ConnMaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)

	return &Store{db: db, logger: slogger}, nil
}

func (s *Store) Plugins() plugin.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plugins == nil {
		s.plugins = NewPluginRepository(s.db)
	}
	return s.plugins
}

func (s *Store) Runs() plugin.RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = NewRunRepository(s.db)
	}
	return s.runs
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := AutoMigrate(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("auto-migrating postgres schema: %w", err)
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

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverPostgres }

// AutoMigrate creates/updates the schema. Shared with the SQLite backend.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PluginModel{},
		&RunModel{},
	)
}

// NewGormLogger adapts slog for GORM. Shared with the SQLite backend.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
