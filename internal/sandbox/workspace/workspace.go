// Package workspace allocates per-invocation ephemeral directories.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPrefix = "execbox-"

// Manager creates uniquely named workspaces under one root.
type Manager struct {
	root   string
	prefix string
}

// NewManager creates a manager rooted at root. Empty root means os.TempDir().
func NewManager(root, prefix string) *Manager {
	if root == "" {
		root = os.TempDir()
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Manager{root: root, prefix: prefix}
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string { return m.root }

// Create makes a new directory <root>/<prefix><kind>-<uuid>.
// os.Mkdir fails on an existing path, so two invocations never share a workspace.
func (m *Manager) Create(ctx context.Context, kind string) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOFailure, "create workspace root failed")
	}
	kind = strings.Trim(kind, "-/ ")
	if kind == "" {
		kind = "run"
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		path := filepath.Join(m.root, m.prefix+kind+"-"+uuid.NewString())
		err := os.Mkdir(path, 0o700)
		if err == nil {
			logger.Debug(ctx, "workspace created", zap.String("path", path))
			return &Workspace{path: path, ctx: ctx}, nil
		}
		lastErr = err
		if !os.IsExist(err) {
			break
		}
	}
	return nil, appErr.Wrapf(lastErr, appErr.WorkspaceIOFailure, "create workspace failed")
}

// Workspace is one ephemeral directory. Close removes it.
type Workspace struct {
	path string
	ctx  context.Context

	mu     sync.Mutex
	closed bool
}

func (w *Workspace) Path() string { return w.path }

// Join returns a path inside the workspace.
func (w *Workspace) Join(elem ...string) string {
	return filepath.Join(append([]string{w.path}, elem...)...)
}

// WriteFile writes data to name inside the workspace.
func (w *Workspace) WriteFile(name string, data []byte, perm os.FileMode) (string, error) {
	path := w.Join(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceIOFailure, "create directory failed")
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceIOFailure, "write %s failed", name)
	}
	return path, nil
}

// Mkdir creates a directory inside the workspace.
func (w *Workspace) Mkdir(name string) (string, error) {
	path := w.Join(name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceIOFailure, "create directory failed")
	}
	return path, nil
}

// Close removes the workspace and everything beneath it. Safe for concurrent
// and repeated calls; a failed removal is retried by the next call.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := removeAll(w.path); err != nil {
		logger.Warn(w.ctx, "remove workspace failed", zap.String("path", w.path), zap.Error(err))
		return appErr.Wrapf(err, appErr.WorkspaceIOFailure, "remove workspace failed")
	}
	w.closed = true
	return nil
}

// removeAll clears read-only bits first so artifacts written 0444/0555 inside
// read-only directories do not block removal.
func removeAll(path string) error {
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() && info.Mode().Perm()&0o700 != 0o700 {
			_ = os.Chmod(p, info.Mode().Perm()|0o700)
		}
		return nil
	})
	return os.RemoveAll(path)
}
