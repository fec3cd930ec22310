package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Hungruong/wasm-forge/internal/plugin"
)

const defaultRunLimit = 50

// RunRepository implements run history persistence.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Record persists one completed run.
func (r *RunRepository) Record(ctx context.Context, run *plugin.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording run for %s: %w", run.PluginName, err)
	}
	return nil
}

// ListByPlugin returns the most recent runs of one plugin.
func (r *RunRepository) ListByPlugin(ctx context.Context, pluginName string, limit int) ([]*plugin.Run, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	var models []RunModel
	if err := r.db.WithContext(ctx).
		Where("plugin_name = ?", pluginName).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs for %s: %w", pluginName, err)
	}
	return toRunDomains(models), nil
}

// ListRecent returns the most recent runs across all plugins.
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]*plugin.Run, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	var models []RunModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}
	return toRunDomains(models), nil
}

func toRunDomains(models []RunModel) []*plugin.Run {
	runs := make([]*plugin.Run, len(models))
	for i := range models {
		runs[i] = toRunDomain(&models[i])
	}
	return runs
}

// compile-time interface check
var _ plugin.RunStore = (*RunRepository)(nil)
