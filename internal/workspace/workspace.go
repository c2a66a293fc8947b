// Package workspace manages the Ngome runtime directory structure.
// All runtime state (sandbox working directories, stored outputs, the
// output index database, logs) is consolidated under a single workspace
// root, making a sandbox session portable and easy to clean up.
//
// Default workspace: ~/.ngome/workspace (configurable via config or
// NGOME_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jkaninda/ngome/internal/naming"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".ngome/workspace"

// Workspace manages all Ngome runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root
// directory with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.ngome/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// WorkDir returns <root>/work/. Parent of per-session sandbox
// working directories.
func (w *Workspace) WorkDir() string {
	return w.dir("work")
}

// OutputsDir returns <root>/outputs/. Stored command output files.
func (w *Workspace) OutputsDir() string {
	return w.dir("outputs")
}

// DBDir returns <root>/db/. Holds the output index database.
func (w *Workspace) DBDir() string {
	return w.dir("db")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// CredentialsDir returns <root>/credentials/ with 0700 permissions.
func (w *Workspace) CredentialsDir() string {
	return w.restrictedDir("credentials")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// IndexDBPath returns <root>/db/outputs.db.
func (w *Workspace) IndexDBPath() string {
	return filepath.Join(w.DBDir(), "outputs.db")
}

// NewSessionDir creates a fresh four-word session working directory
// under <root>/work/ (e.g. work/amber-forest-thunder-pearl/) and
// returns its path. Every bash session gets its own directory; all
// executions within the session share it.
func (w *Workspace) NewSessionDir() (string, error) {
	p := filepath.Join(w.WorkDir(), naming.RandomWordSlug(4))
	if err := os.MkdirAll(p, 0750); err != nil {
		return "", fmt.Errorf("creating session dir %s: %w", p, err)
	}
	return p, nil
}

// --- Cleanup ---

// CleanWork removes all contents of the work directory. Stored outputs
// and the index are retained; only ephemeral sandbox state is dropped.
func (w *Workspace) CleanWork() error {
	dir := filepath.Join(w.Root, "work")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading work dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing work entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.WorkDir(),
		w.OutputsDir(),
		w.DBDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	_ = w.CredentialsDir()
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the
// directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
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

// resolvePath expands a leading ~ and returns an absolute path.
func resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("workspace path is empty")
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}
