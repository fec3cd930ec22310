package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hungruong/wasm-forge/internal/plugin"
	"github.com/Hungruong/wasm-forge/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "forge.db"),
	}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func testPlugin(name string) *plugin.Plugin {
	return &plugin.Plugin{
		Name:        name,
		Description: "test plugin",
		Source:      "import forge_sdk\nforge_sdk.send_output('hi')\n",
		InputType:   "text",
	}
}

func TestPluginCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testPlugin("summarizer")
	if err := s.Plugins().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("Create did not assign an ID")
	}

	got, err := s.Plugins().GetByName(ctx, "summarizer")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.Source != p.Source || got.Description != p.Description {
		t.Errorf("round trip mismatch: %+v", got)
	}

	got.Description = "updated"
	if err := s.Plugins().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = s.Plugins().GetByName(ctx, "summarizer")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "updated" {
		t.Errorf("Description = %q after update", got.Description)
	}

	if err := s.Plugins().Delete(ctx, "summarizer"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Plugins().GetByName(ctx, "summarizer"); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("GetByName after delete = %v, want ErrNotFound", err)
	}
}

func TestPluginNameUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Plugins().Create(ctx, testPlugin("dup")); err != nil {
		t.Fatal(err)
	}
	err := s.Plugins().Create(ctx, testPlugin("dup"))
	if !errors.Is(err, plugin.ErrNameTaken) {
		t.Errorf("duplicate create = %v, want ErrNameTaken", err)
	}
}

func TestPluginNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Plugins().GetByName(ctx, "ghost"); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("GetByName = %v, want ErrNotFound", err)
	}
	if err := s.Plugins().Delete(ctx, "ghost"); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("Delete = %v, want ErrNotFound", err)
	}
	p := testPlugin("ghost")
	if err := s.Plugins().Update(ctx, p); !errors.Is(err, plugin.ErrNotFound) {
		t.Errorf("Update = %v, want ErrNotFound", err)
	}
}

func TestPluginListAndIncrement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"beta", "alpha"} {
		if err := s.Plugins().Create(ctx, testPlugin(name)); err != nil {
			t.Fatal(err)
		}
	}

	plugins, err := s.Plugins().List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(plugins) != 2 || plugins[0].Name != "alpha" {
		t.Errorf("List = %v, want name-ordered [alpha beta]", plugins)
	}

	if err := s.Plugins().IncrementCalls(ctx, plugins[0].ID); err != nil {
		t.Fatalf("IncrementCalls: %v", err)
	}
	got, err := s.Plugins().GetByName(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.Calls != 1 {
		t.Errorf("Calls = %d, want 1", got.Calls)
	}
}

func TestRunHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testPlugin("histo")
	if err := s.Plugins().Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	outcomes := []string{"success", "tool_error", "success"}
	for i, outcome := range outcomes {
		run := &plugin.Run{
			PluginID:   p.ID,
			PluginName: p.Name,
			Outcome:    outcome,
			Output:     "out",
			Runtime:    "wasmedge",
			AICalls:    i,
			Elapsed:    1200 * time.Millisecond,
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.Runs().Record(ctx, run); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	runs, err := s.Runs().ListByPlugin(ctx, "histo", 2)
	if err != nil {
		t.Fatalf("ListByPlugin: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	// Most recent first.
	if runs[0].AICalls != 2 {
		t.Errorf("first run AICalls = %d, want the latest (2)", runs[0].AICalls)
	}
	if runs[0].Elapsed != 1200*time.Millisecond {
		t.Errorf("Elapsed = %v, want 1.2s", runs[0].Elapsed)
	}

	recent, err := s.Runs().ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("ListRecent len = %d, want 3", len(recent))
	}
}
