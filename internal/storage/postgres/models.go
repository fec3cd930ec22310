package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Hungruong/wasm-forge/internal/plugin"
)

// PluginModel maps to the "plugins" table.
type PluginModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null;uniqueIndex"`
	Description string
	Source      string `gorm:"not null"`
	InputType   string
	InputHint   string
	Calls       int64 `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (PluginModel) TableName() string { return "plugins" }

// RunModel maps to the "runs" table.
type RunModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PluginID   uuid.UUID `gorm:"type:uuid;not null;index"`
	PluginName string    `gorm:"not null;index"`
	Outcome    string    `gorm:"not null"`
	Output     string
	ErrorText  string
	Runtime    string
	AICalls    int
	ElapsedMS  int64
	CreatedAt  time.Time `gorm:"index"`
}

func (RunModel) TableName() string { return "runs" }

func toPluginModel(p *plugin.Plugin) PluginModel {
	return PluginModel{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Source:      p.Source,
		InputType:   p.InputType,
		InputHint:   p.InputHint,
		Calls:       p.Calls,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toPluginDomain(m *PluginModel) *plugin.Plugin {
	return &plugin.Plugin{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Source:      m.Source,
		InputType:   m.InputType,
		InputHint:   m.InputHint,
		Calls:       m.Calls,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toRunModel(r *plugin.Run) RunModel {
	return RunModel{
		ID:         r.ID,
		PluginID:   r.PluginID,
		PluginName: r.PluginName,
		Outcome:    r.Outcome,
		Output:     r.Output,
		ErrorText:  r.ErrorText,
		Runtime:    r.Runtime,
		AICalls:    r.AICalls,
		ElapsedMS:  r.Elapsed.Milliseconds(),
		CreatedAt:  r.CreatedAt,
	}
}

func toRunDomain(m *RunModel) *plugin.Run {
	return &plugin.Run{
		ID:         m.ID,
		PluginID:   m.PluginID,
		PluginName: m.PluginName,
		Outcome:    m.Outcome,
		Output:     m.Output,
		ErrorText:  m.ErrorText,
		Runtime:    m.Runtime,
		AICalls:    m.AICalls,
		Elapsed:    time.Duration(m.ElapsedMS) * time.Millisecond,
		CreatedAt:  m.CreatedAt,
	}
}
