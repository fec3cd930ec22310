// Package plugin defines the catalog entities: stored plugins and their
// run history.
package plugin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports a plugin or run that does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrNameTaken reports a create with an already-registered plugin name.
var ErrNameTaken = errors.New("plugin name already registered")

// Plugin is a stored plugin: Python source plus catalog metadata. Name is
// the unique human-facing identifier used in the API and MCP surfaces.
type Plugin struct {
	ID          uuid.UUID
	Name        string
	Description string
	Source      string
	InputType   string // free-form hint: "text", "json", "none"
	InputHint   string // one-line description of the expected input
	Calls       int64  // total completed runs
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Run is one recorded execution of a plugin.
type Run struct {
	ID         uuid.UUID
	PluginID   uuid.UUID
	PluginName string
	Outcome    string
	Output     string
	ErrorText  string
	Runtime    string
	AICalls    int
	Elapsed    time.Duration
	CreatedAt  time.Time
}

// Store is the plugin catalog persistence surface.
type Store interface {
	Create(ctx context.Context, p *Plugin) error
	Update(ctx context.Context, p *Plugin) error
	Delete(ctx context.Context, name string) error
	GetByName(ctx context.Context, name string) (*Plugin, error)
	List(ctx context.Context) ([]*Plugin, error)
	IncrementCalls(ctx context.Context, id uuid.UUID) error
}

// RunStore persists run history.
type RunStore interface {
	Record(ctx context.Context, r *Run) error
	ListByPlugin(ctx context.Context, pluginName string, limit int) ([]*Run, error)
	ListRecent(ctx context.Context, limit int) ([]*Run, error)
}
