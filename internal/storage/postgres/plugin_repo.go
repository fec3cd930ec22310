package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Hungruong/wasm-forge/internal/plugin"
)

// PluginRepository implements plugin catalog persistence.
type PluginRepository struct {
	db *gorm.DB
}

// NewPluginRepository creates a PluginRepository.
func NewPluginRepository(db *gorm.DB) *PluginRepository {
	return &PluginRepository{db: db}
}

// Create persists a new plugin. A taken name maps to plugin.ErrNameTaken.
func (r *PluginRepository) Create(ctx context.Context, p *plugin.Plugin) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	model := toPluginModel(p)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("creating plugin %s: %w", p.Name, plugin.ErrNameTaken)
		}
		return fmt.Errorf("creating plugin %s: %w", p.Name, err)
	}
	return nil
}

// Update persists changes to an existing plugin.
func (r *PluginRepository) Update(ctx context.Context, p *plugin.Plugin) error {
	p.UpdatedAt = time.Now().UTC()
	model := toPluginModel(p)
	result := r.db.WithContext(ctx).
		Model(&PluginModel{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"description": model.Description,
			"source":      model.Source,
			"input_type":  model.InputType,
			"input_hint":  model.InputHint,
			"updated_at":  model.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("updating plugin %s: %w", p.Name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating plugin %s: %w", p.Name, plugin.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes a plugin by name.
func (r *PluginRepository) Delete(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Delete(&PluginModel{}, "name = ?", name)
	if result.Error != nil {
		return fmt.Errorf("deleting plugin %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting plugin %s: %w", name, plugin.ErrNotFound)
	}
	return nil
}

// GetByName retrieves a plugin by its unique name.
func (r *PluginRepository) GetByName(ctx context.Context, name string) (*plugin.Plugin, error) {
	var model PluginModel
	if err := r.db.WithContext(ctx).First(&model, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting plugin %s: %w", name, plugin.ErrNotFound)
		}
		return nil, fmt.Errorf("getting plugin %s: %w", name, err)
	}
	return toPluginDomain(&model), nil
}

// List returns all plugins ordered by name.
func (r *PluginRepository) List(ctx context.Context) ([]*plugin.Plugin, error) {
	var models []PluginModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing plugins: %w", err)
	}
	plugins := make([]*plugin.Plugin, len(models))
	for i := range models {
		plugins[i] = toPluginDomain(&models[i])
	}
	return plugins, nil
}

// IncrementCalls bumps the completed-run counter.
func (r *PluginRepository) IncrementCalls(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&PluginModel{}).
		Where("id = ?", id).
		UpdateColumn("calls", gorm.Expr("calls + 1")).Error; err != nil {
		return fmt.Errorf("incrementing calls for plugin %s: %w", id, err)
	}
	return nil
}

// compile-time interface check
var _ plugin.Store = (*PluginRepository)(nil)
