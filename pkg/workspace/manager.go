// Package workspace manages per-task scratch directories: scoped acquisition
// with guaranteed release on all exit paths, and garbage collection of
// directories left behind by a previous process.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-forge/agent-forge/pkg/models"
)

// Manager owns all live workspaces. One task owns one workspace at a time;
// directories are never shared across tasks.
type Manager struct {
	root string

	mu   sync.Mutex
	live map[string]*models.Workspace // workspace ID → workspace
}

// NewManager creates the workspace root if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root %s: %w", root, err)
	}
	return &Manager{
		root: root,
		live: make(map[string]*models.Workspace),
	}, nil
}

// Acquire creates a fresh scratch directory for the issue. The caller must
// Release it on every exit path; deferring Release immediately after Acquire
// is the expected usage.
func (m *Manager) Acquire(issue models.IssueRef) (*models.Workspace, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", dir, err)
	}

	ws := &models.Workspace{
		ID:        id,
		Issue:     issue,
		Root:      dir,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.live[id] = ws
	m.mu.Unlock()

	slog.Debug("Workspace acquired", "workspace_id", id, "issue", issue, "root", dir)
	return ws, nil
}

// Release destroys the workspace directory. Releasing an unknown or
// already-released workspace is a no-op, so every exit path may call it.
func (m *Manager) Release(ws *models.Workspace) {
	if ws == nil {
		return
	}
	m.mu.Lock()
	_, known := m.live[ws.ID]
	delete(m.live, ws.ID)
	m.mu.Unlock()
	if !known {
		return
	}

	if err := os.RemoveAll(ws.Root); err != nil {
		slog.Warn("Failed to remove workspace directory",
			"workspace_id", ws.ID, "root", ws.Root, "error", err)
		return
	}
	slog.Debug("Workspace released", "workspace_id", ws.ID, "issue", ws.Issue)
}

// Active returns the number of live workspaces.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// CleanupOrphans removes workspace directories that have no live owner in
// this process. Run at startup, after pipeline rehydration, so directories
// belonging to terminal or vanished pipelines are reclaimed.
func (m *Manager) CleanupOrphans() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("reading workspace root %s: %w", m.root, err)
	}

	m.mu.Lock()
	liveIDs := make(map[string]bool, len(m.live))
	for id := range m.live {
		liveIDs[id] = true
	}
	m.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || liveIDs[entry.Name()] {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to remove orphaned workspace", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Cleaned up orphaned workspaces", "count", removed)
	}
	return removed, nil
}
