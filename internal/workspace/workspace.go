// Package workspace manages the wasm-forge data directory and the staged
// run directories plugins execute in. All runtime state (database, runs,
// logs) is consolidated under a single root, making a deployment portable.
//
// Default root: ~/.wasmforge (configurable via config or FORGE_DATA_DIR).
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default root location relative to user home directory.
const defaultRelativePath = ".wasmforge"

// PluginFileName is the staged plugin entrypoint inside a run directory.
const PluginFileName = "plugin.py"

// Workspace manages the data directory and stages per-run directories.
type Workspace struct {
	Root   string
	logger *slog.Logger

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path. It resolves ~ to the
// user's home directory and creates the root with appropriate permissions
// if it does not exist.
func New(root string, logger *slog.Logger) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		logger:  logger,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.wasmforge.
func Default(logger *slog.Logger) (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath), logger)
}

// RunsDir returns <root>/runs/, the parent of all staged run directories.
func (w *Workspace) RunsDir() string {
	return w.dir("runs")
}

// LogsDir returns <root>/logs/.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// DatabasePath returns <root>/forge.db, the default sqlite location.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "forge.db")
}

// RunDir is one staged run directory, holding exactly the plugin source
// and the SDK. It is the only host path a sandboxed plugin can see.
type RunDir struct {
	Path   string
	logger *slog.Logger
}

// Stage creates a fresh run directory with the plugin source and the SDK
// staged next to each other. Files are 0600: the run directory is private
// to the host process.
func (w *Workspace) Stage(source []byte, sdkName string, sdk []byte) (*RunDir, error) {
	dir, err := os.MkdirTemp(w.RunsDir(), "run-*")
	if err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}

	rd := &RunDir{Path: dir, logger: w.logger}
	if err := os.WriteFile(filepath.Join(dir, PluginFileName), source, 0o600); err != nil {
		rd.Remove()
		return nil, fmt.Errorf("staging plugin source: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filepath.Base(sdkName)), sdk, 0o600); err != nil {
		rd.Remove()
		return nil, fmt.Errorf("staging sdk: %w", err)
	}

	return rd, nil
}

// Remove deletes the run directory and everything the plugin wrote there.
func (rd *RunDir) Remove() {
	if err := os.RemoveAll(rd.Path); err != nil {
		rd.logger.Warn("failed to remove run dir",
			slog.String("dir", rd.Path),
			slog.String("error", err.Error()),
		)
	}
}

// Sweep removes run directories older than maxAge and returns how many it
// removed. Covers dirs orphaned by a crash mid-run.
func (w *Workspace) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.RunsDir())
	if err != nil {
		return 0, fmt.Errorf("reading runs dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "run-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(w.RunsDir(), entry.Name())
		if err := os.RemoveAll(path); err != nil {
			w.logger.Warn("failed to sweep run dir",
				slog.String("dir", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		w.logger.Info("swept orphaned run dirs", slog.Int("removed", removed))
	}
	return removed, nil
}

// --- Internal helpers ---

// dir returns an absolute path under the root and ensures it exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
