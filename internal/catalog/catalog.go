// Package catalog tracks which policy-permitted models are actually
// loadable on the inference backend. The run path never blocks on this —
// it reads the latest snapshot; a background refresher keeps it current.
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule refreshes every five minutes.
const DefaultSchedule = "*/5 * * * *"

const refreshTimeout = 10 * time.Second

// Entry is one allow-listed model and its live availability.
type Entry struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Lister is the slice of the inference client the catalog needs.
type Lister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Catalog joins the policy allow-list with the backend's loaded models.
type Catalog struct {
	allowed  []string
	lister   Lister
	schedule cron.Schedule
	logger   *slog.Logger

	mu          sync.RWMutex
	entries     []Entry
	refreshedAt time.Time
	lastErr     error
}

// New creates a catalog over the policy allow-list. schedule uses the
// standard five-field cron syntax; empty means DefaultSchedule.
func New(allowed []string, lister Lister, schedule string, logger *slog.Logger) (*Catalog, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		allowed:  allowed,
		lister:   lister,
		schedule: sched,
		logger:   logger,
	}

	// Start pessimistic: everything unavailable until the first refresh.
	entries := make([]Entry, len(allowed))
	for i, name := range allowed {
		entries[i] = Entry{Name: name}
	}
	c.entries = entries
	return c, nil
}

// Start refreshes immediately, then on the cron schedule until ctx ends.
func (c *Catalog) Start(ctx context.Context) {
	c.Refresh(ctx)

	go func() {
		for {
			next := c.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				c.Refresh(ctx)
			}
		}
	}()
}

// Refresh queries the backend once and swaps the snapshot. A backend
// failure keeps the previous availability and records the error.
func (c *Catalog) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	live, err := c.lister.ListModels(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "model catalog refresh failed", slog.String("error", err.Error()))
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return
	}

	entries := make([]Entry, len(c.allowed))
	for i, name := range c.allowed {
		entries[i] = Entry{Name: name, Available: matches(name, live)}
	}

	c.mu.Lock()
	c.entries = entries
	c.refreshedAt = time.Now()
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "model catalog refreshed",
		slog.Int("allowed", len(entries)),
		slog.Int("live", len(live)),
	)
}

// Snapshot returns the current entries, the refresh time, and the last
// refresh error if the snapshot is stale because of one.
func (c *Catalog) Snapshot() ([]Entry, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)
	return entries, c.refreshedAt, c.lastErr
}

// matches reports whether an allow-listed name is served by the backend.
// Backends report tagged names ("llama3:8b"); the allow-list may use the
// bare name, so the tag prefix counts as a match.
func matches(allowed string, live []string) bool {
	for _, model := range live {
		if model == allowed {
			return true
		}
		if base, _, ok := strings.Cut(model, ":"); ok && base == allowed {
			return true
		}
	}
	return false
}
