package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/agent-forge/pkg/accounts"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/forge"
	"github.com/agent-forge/agent-forge/pkg/llm"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
	"github.com/agent-forge/agent-forge/pkg/ratelimit"
)

// fakeForge is a minimal in-memory forge: labels and comments per issue.
type fakeForge struct {
	posts    atomic.Int64
	labels   []string
	comments []string
	srv      *httptest.Server
}

func newFakeForge(t *testing.T) *fakeForge {
	t.Helper()
	f := &fakeForge{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/comments"):
			out := make([]map[string]any, 0, len(f.comments))
			for i, c := range f.comments {
				out = append(out, map[string]any{"id": i + 1, "body": c})
			}
			_ = json.NewEncoder(w).Encode(out)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/comments"):
			f.posts.Add(1)
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.comments = append(f.comments, body["body"])
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/labels"):
			f.posts.Add(1)
			var body map[string][]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.labels = append(f.labels, body["labels"]...)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			labels := make([]map[string]string, 0, len(f.labels))
			for _, l := range f.labels {
				labels = append(labels, map[string]string{"name": l})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"number": 1, "labels": labels})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func testCoordinator(t *testing.T, f *fakeForge, refiner llm.Provider) (*Coordinator, *pipeline.Store) {
	t.Helper()

	secretDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secretDir, "forge-bot"), []byte("tok"), 0o600))
	acct, err := accounts.Load(secretDir)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Forge.BaseURL = f.srv.URL
	cfg.Forge.BotIdentity = "forge-bot"
	cfg.Forge.RequestTimeout = 2 * time.Second
	cfg.Forge.ReadsPerSecond = 100

	limiter := ratelimit.New(cfg.RateLimits)
	t.Cleanup(func() { _ = limiter.Close() })
	fc := forge.NewClient(cfg.Forge, limiter, acct, nil, nil)

	cfg.Pipeline.StateFile = filepath.Join(t.TempDir(), "pipelines.json")
	store, err := pipeline.NewStore(cfg.Pipeline, nil, nil, nil)
	require.NoError(t, err)

	return New(fc, store, refiner, cfg, nil), store
}

func simpleIssue() *models.Issue {
	return &models.Issue{
		Ref:   models.IssueRef{Repo: "acme/api", Number: 1},
		Title: "Fix typo in README",
		Body:  "There is a typo in the installation section.",
	}
}

func TestRoute_SimpleIssue(t *testing.T) {
	f := newFakeForge(t)
	c, store := testCoordinator(t, f, nil)

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)

	d, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)

	assert.Equal(t, models.CategorySimple, d.Category)
	assert.Equal(t, models.ActionStartCodeAgent, d.Action)
	assert.Equal(t, models.RoleDeveloper, d.RequiredRole)
	assert.Equal(t, models.PriorityNormal, d.Priority)
	assert.False(t, d.EscalationEnabled)

	got, _ := store.Get(rec.ID)
	assert.Equal(t, models.PhaseAnalyzed, got.Phase)
	require.NotNil(t, got.Decision)

	assert.Contains(t, f.labels, models.LabelApprovedSimple)
	require.Len(t, f.comments, 1)
	assert.Contains(t, f.comments[0], "Routing decision")
	assert.Contains(t, f.comments[0], "<!-- agent-forge:decision-acme/api#1 -->")
}

func TestRoute_ReEntryIsNoOp(t *testing.T) {
	f := newFakeForge(t)
	c, store := testCoordinator(t, f, nil)

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)

	first, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	posts := f.posts.Load()

	second, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	assert.Equal(t, first.Action, second.Action)
	assert.Equal(t, posts, f.posts.Load(), "re-entry must not write to the forge")
}

// scriptedRefiner returns a fixed reply or error.
type scriptedRefiner struct {
	reply string
	err   error
}

func (s *scriptedRefiner) Name() string { return "scripted" }
func (s *scriptedRefiner) Complete(context.Context, llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.reply}, nil
}

func TestRoute_LLMRefinementOverrides(t *testing.T) {
	f := newFakeForge(t)
	c, store := testCoordinator(t, f, &scriptedRefiner{reply: "complex"})

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)

	d, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	assert.Equal(t, models.CategoryComplex, d.Category)
	assert.Equal(t, models.ActionStartCoordinatorOrchestration, d.Action)
	assert.Equal(t, models.RoleCoordinator, d.RequiredRole)
	assert.Contains(t, d.Explanation, "llm refined simple to complex")
	assert.Contains(t, f.labels, models.LabelApprovedComplex)
}

func TestRoute_LLMFailureFallsBackToHeuristic(t *testing.T) {
	f := newFakeForge(t)
	refiner := &scriptedRefiner{err: &llm.Error{Provider: "scripted", Kind: llm.KindUnavailable, Message: "down"}}
	c, store := testCoordinator(t, f, refiner)

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)

	d, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	assert.Equal(t, models.CategorySimple, d.Category)
}

func TestRoute_UnparseableLLMReplyIgnored(t *testing.T) {
	f := newFakeForge(t)
	c, store := testCoordinator(t, f, &scriptedRefiner{reply: "it depends on many factors"})

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)

	d, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	assert.Equal(t, models.CategorySimple, d.Category)
}

func TestRoute_UncertainGetsEscalation(t *testing.T) {
	f := newFakeForge(t)
	c, store := testCoordinator(t, f, &scriptedRefiner{reply: "uncertain"})

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)

	d, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	assert.Equal(t, models.ActionStartCodeAgentWithEscalation, d.Action)
	assert.Equal(t, models.PriorityHigh, d.Priority)
	assert.True(t, d.EscalationEnabled)
}

func TestReroute_EscalationProducesFreshComplexDecision(t *testing.T) {
	f := newFakeForge(t)
	c, store := testCoordinator(t, f, nil)

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)
	first, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	require.Equal(t, models.CategorySimple, first.Category)

	require.NoError(t, store.Transition(rec.ID, models.PhaseDispatched, nil))
	require.NoError(t, store.Transition(rec.ID, models.PhaseExecuting, nil))

	d, err := c.Reroute(context.Background(), rec.ID, "architecture changes required")
	require.NoError(t, err)

	assert.Equal(t, models.CategoryComplex, d.Category)
	assert.Equal(t, models.ActionStartCoordinatorOrchestration, d.Action)
	assert.Equal(t, models.RoleCoordinator, d.RequiredRole)
	assert.Equal(t, models.PriorityHigh, d.Priority)
	assert.Contains(t, d.Explanation, "architecture changes required")

	got, _ := store.Get(rec.ID)
	assert.Equal(t, models.PhaseAnalyzed, got.Phase, "pipeline returns to analyzed for re-dispatch")
	require.NotNil(t, got.Decision)
	assert.Equal(t, models.CategoryComplex, got.Decision.Category)

	// The new verdict is posted alongside the original one, not deduplicated
	// against it.
	assert.Contains(t, f.labels, models.LabelApprovedComplex)
	require.Len(t, f.comments, 2)
	assert.Contains(t, f.comments[0], "<!-- agent-forge:decision-acme/api#1 -->")
	assert.Contains(t, f.comments[1], "<!-- agent-forge:decision-escalated-acme/api#1 -->")
}

func TestReroute_UnknownPipelineFails(t *testing.T) {
	f := newFakeForge(t)
	c, _ := testCoordinator(t, f, nil)

	_, err := c.Reroute(context.Background(), "nope", "reason")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRoute_DecisionSurvivesVerdictWriteFailure(t *testing.T) {
	// A forge that rejects every write still gets a local decision.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]any{"number": 1, "labels": []any{}})
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := &fakeForge{srv: srv}
	c, store := testCoordinator(t, f, nil)

	rec, err := store.Create(simpleIssue().Ref)
	require.NoError(t, err)

	d, err := c.Route(context.Background(), rec.ID, simpleIssue())
	require.NoError(t, err)
	require.NotNil(t, d)

	got, _ := store.Get(rec.ID)
	assert.Equal(t, models.PhaseAnalyzed, got.Phase)
}
