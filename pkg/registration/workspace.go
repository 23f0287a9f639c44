package registration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is a private scratch directory for registration intermediates.
type Workspace struct {
	dir string
}

// NewWorkspace creates a uniquely named scratch directory under parent
// (the system temp dir when parent is empty). The caller must Close it.
func NewWorkspace(parent string) (*Workspace, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("prep scratch parent: %w", err)
	}
	dir := filepath.Join(parent, "mrideface-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path returns the path of a named file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Close removes the workspace and everything in it.
func (w *Workspace) Close() error {
	return os.RemoveAll(w.dir)
}

// WithWorkspace runs fn inside a fresh workspace and removes the workspace
// afterwards, whether fn succeeds, fails or panics.
func WithWorkspace(parent string, fn func(ws *Workspace) error) (err error) {
	ws, err := NewWorkspace(parent)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("remove scratch dir: %w", cerr)
		}
	}()
	return fn(ws)
}
