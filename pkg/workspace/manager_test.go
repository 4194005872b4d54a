package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/agent-forge/pkg/models"
)

var testIssue = models.IssueRef{Repo: "org/repo", Number: 7}

func TestAcquireRelease(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	ws, err := m.Acquire(testIssue)
	require.NoError(t, err)
	assert.DirExists(t, ws.Root)
	assert.Equal(t, 1, m.Active())

	m.Release(ws)
	assert.NoDirExists(t, ws.Root)
	assert.Equal(t, 0, m.Active())
}

func TestRelease_Idempotent(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	ws, err := m.Acquire(testIssue)
	require.NoError(t, err)

	m.Release(ws)
	m.Release(ws) // second release is a no-op
	m.Release(nil)
	assert.Equal(t, 0, m.Active())
}

func TestCleanupOrphans(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	// A live workspace survives; stray directories are reclaimed.
	live, err := m.Acquire(testIssue)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stale-1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stale-2"), 0o755))

	removed, err := m.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.DirExists(t, live.Root)
}

func TestAcquire_IsolatedDirectories(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	a, err := m.Acquire(testIssue)
	require.NoError(t, err)
	b, err := m.Acquire(models.IssueRef{Repo: "org/repo", Number: 8})
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root)
	require.NoError(t, os.WriteFile(filepath.Join(a.Root, "f"), []byte("x"), 0o644))
	assert.NoFileExists(t, filepath.Join(b.Root, "f"))
}
