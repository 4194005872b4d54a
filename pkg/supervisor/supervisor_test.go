package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/models"
)

const devProfile = `
agent_id: dev-general
role: developer
provider: main
model: test-model
capabilities: [go]
lifecycle: on_demand
concurrency_limit: 1
forge_identity: forge-bot
`

// newTestConfig builds a runnable configuration backed by temp directories
// and a fake forge that has no actionable issues.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	forge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
		}
	}))
	t.Cleanup(forge.Close)

	secretDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secretDir, "forge-bot"), []byte("token-1\n"), 0o600))

	profileDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "dev.yaml"), []byte(devProfile), 0o644))

	cfg := config.DefaultConfig()
	cfg.Forge.BaseURL = forge.URL
	cfg.Poller.Repos = []string{"acme/api"}
	cfg.Poller.Interval = 50 * time.Millisecond
	cfg.Poller.IntervalJitter = 0
	cfg.Registry.ProfileDir = profileDir
	cfg.Registry.WatchProfiles = false
	cfg.Accounts.SecretDir = secretDir
	cfg.Pipeline.StateFile = filepath.Join(t.TempDir(), "pipelines.json")
	cfg.Pipeline.SweepInterval = 50 * time.Millisecond
	cfg.Workspace.Root = t.TempDir()
	cfg.LLM.Providers = map[string]config.LLMProvider{
		"main": {Type: "anthropic", BaseURL: forge.URL},
	}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.GracefulShutdownTimeout = 2 * time.Second
	return cfg
}

func TestNew_WiresAllComponents(t *testing.T) {
	cfg := newTestConfig(t)

	sup, err := New(cfg, nil)
	require.NoError(t, err)

	assert.NotNil(t, sup.forge)
	assert.NotNil(t, sup.registry)
	assert.NotNil(t, sup.store)
	assert.NotNil(t, sup.dispatcher)
	assert.NotNil(t, sup.gateway)
	assert.NotNil(t, sup.poller)
	assert.NotNil(t, sup.server)
	assert.Empty(t, sup.Health())
}

func TestNew_MissingSecretDirFails(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Accounts.SecretDir = filepath.Join(t.TempDir(), "missing")

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestRun_StartsAndStopsCleanly(t *testing.T) {
	cfg := newTestConfig(t)

	sup, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		h := sup.Health()
		return h["poller"] && h["registry"] && h["sweeper"]
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func TestAbandon_PostsCommentAndReleasesClaim(t *testing.T) {
	var mu sync.Mutex
	var comments []string
	var deletes []string
	forge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/comments"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/comments"):
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			comments = append(comments, body["body"])
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodDelete:
			deletes = append(deletes, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
		}
	}))
	t.Cleanup(forge.Close)

	cfg := newTestConfig(t)
	cfg.Forge.BaseURL = forge.URL

	sup, err := New(cfg, nil)
	require.NoError(t, err)

	rec, err := sup.store.Create(models.IssueRef{Repo: "acme/api", Number: 7})
	require.NoError(t, err)
	require.NoError(t, sup.store.RecordFailure(rec.ID, fmt.Errorf("bad state: %w", models.ErrFatal)))

	got, _ := sup.store.Get(rec.ID)
	require.Equal(t, models.PhaseAbandoned, got.Phase)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, comments, 1, "abandonment posts one explanatory comment")
	assert.Contains(t, comments[0], "Abandoning")
	assert.Contains(t, comments[0], "bad state")

	require.Len(t, deletes, 1, "abandonment removes the claim label")
	assert.Contains(t, deletes[0], "claimed-by-forge-bot")
}

func TestRecover_AbandonsStaleClaims(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Poller.ClaimTTL = time.Nanosecond

	sup, err := New(cfg, nil)
	require.NoError(t, err)

	rec, err := sup.store.Create(models.IssueRef{Repo: "acme/api", Number: 7})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	sup.recover(context.Background())

	got, ok := sup.store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, models.PhaseAbandoned, got.Phase)
}
