package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "forge")

	ws, err := New(root, testLogger())
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestStage(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "forge"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	source := []byte("import forge_sdk\nforge_sdk.send_output('hi')\n")
	sdk := []byte("# sdk\n")

	rd, err := ws.Stage(source, "forge_sdk.py", sdk)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer rd.Remove()

	if filepath.Dir(rd.Path) != ws.RunsDir() {
		t.Errorf("run dir %q not under %q", rd.Path, ws.RunsDir())
	}

	got, err := os.ReadFile(filepath.Join(rd.Path, PluginFileName))
	if err != nil {
		t.Fatalf("reading staged plugin: %v", err)
	}
	if string(got) != string(source) {
		t.Errorf("staged plugin = %q, want %q", got, source)
	}

	info, err := os.Stat(filepath.Join(rd.Path, "forge_sdk.py"))
	if err != nil {
		t.Fatalf("staged sdk missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("sdk perm = %o, want 600", perm)
	}
}

func TestStage_IsolatedPerRun(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "forge"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	a, err := ws.Stage([]byte("a"), "forge_sdk.py", []byte("s"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Remove()
	b, err := ws.Stage([]byte("b"), "forge_sdk.py", []byte("s"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Remove()

	if a.Path == b.Path {
		t.Errorf("two runs staged into the same dir %q", a.Path)
	}
}

func TestRunDirRemove(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "forge"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	rd, err := ws.Stage([]byte("x"), "forge_sdk.py", []byte("s"))
	if err != nil {
		t.Fatal(err)
	}

	// Plugin-created files inside the run dir go with it.
	if err := os.WriteFile(filepath.Join(rd.Path, "scratch.txt"), []byte("junk"), 0o600); err != nil {
		t.Fatal(err)
	}

	rd.Remove()
	if _, err := os.Stat(rd.Path); !os.IsNotExist(err) {
		t.Errorf("run dir still exists after Remove: %v", err)
	}
}

func TestSweep(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "forge"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	old, err := ws.Stage([]byte("old"), "forge_sdk.py", []byte("s"))
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := ws.Stage([]byte("fresh"), "forge_sdk.py", []byte("s"))
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Remove()

	// Backdate the orphan past the cutoff.
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old.Path, stale, stale); err != nil {
		t.Fatal(err)
	}

	// An unrelated directory must survive the sweep.
	keep := filepath.Join(ws.RunsDir(), "not-a-run")
	if err := os.Mkdir(keep, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(keep, stale, stale); err != nil {
		t.Fatal(err)
	}

	removed, err := ws.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old.Path); !os.IsNotExist(err) {
		t.Error("stale run dir survived the sweep")
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Error("fresh run dir was swept")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-run directory was swept")
	}
}
