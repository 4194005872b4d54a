package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/agent-forge/pkg/accounts"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/dispatch"
	"github.com/agent-forge/agent-forge/pkg/forge"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
	"github.com/agent-forge/agent-forge/pkg/ratelimit"
)

// fakeIssue is the mutable server-side state of one issue.
type fakeIssue struct {
	number    int
	title     string
	labels    []string
	assignees []string
	isPR      bool
	createdAt time.Time

	// contestWith, when set, injects a competing claim label into the
	// refetch that follows our claim, simulating a concurrent poller.
	contestWith string
}

type fakeRepo struct {
	mu     sync.Mutex
	issues map[int]*fakeIssue
}

func (f *fakeRepo) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		switch {
		case r.Method == http.MethodGet && parts[len(parts)-1] == "issues":
			q := r.URL.Query()
			out := []map[string]any{}
			for _, iss := range f.issues {
				if lbl := q.Get("labels"); lbl != "" && !hasLabel(iss, lbl) {
					continue
				}
				if as := q.Get("assignee"); as != "" && !hasAssignee(iss, as) {
					continue
				}
				out = append(out, issueJSON(iss))
			}
			_ = json.NewEncoder(w).Encode(out)
		case r.Method == http.MethodGet:
			n, _ := strconv.Atoi(parts[len(parts)-1])
			iss, ok := f.issues[n]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if iss.contestWith != "" {
				iss.labels = append(iss.labels, iss.contestWith)
				iss.contestWith = ""
			}
			_ = json.NewEncoder(w).Encode(issueJSON(iss))
		case r.Method == http.MethodPost && parts[len(parts)-1] == "labels":
			n, _ := strconv.Atoi(parts[len(parts)-2])
			var body map[string][]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.issues[n].labels = append(f.issues[n].labels, body["labels"]...)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			n, _ := strconv.Atoi(parts[len(parts)-3])
			name := parts[len(parts)-1]
			iss := f.issues[n]
			kept := iss.labels[:0]
			for _, l := range iss.labels {
				if l != name {
					kept = append(kept, l)
				}
			}
			iss.labels = kept
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func hasLabel(iss *fakeIssue, name string) bool {
	for _, l := range iss.labels {
		if l == name {
			return true
		}
	}
	return false
}

func hasAssignee(iss *fakeIssue, name string) bool {
	for _, a := range iss.assignees {
		if a == name {
			return true
		}
	}
	return false
}

func issueJSON(iss *fakeIssue) map[string]any {
	labels := []map[string]string{}
	for _, l := range iss.labels {
		labels = append(labels, map[string]string{"name": l})
	}
	assignees := []map[string]string{}
	for _, a := range iss.assignees {
		assignees = append(assignees, map[string]string{"login": a})
	}
	out := map[string]any{
		"number": iss.number, "title": iss.title, "state": "open",
		"labels": labels, "assignees": assignees,
		"created_at": iss.createdAt.Format(time.RFC3339),
	}
	if iss.isPR {
		out["pull_request"] = map[string]any{}
	}
	return out
}

// stubGateway routes every issue to a fixed decision.
type stubGateway struct {
	mu     sync.Mutex
	routed []models.IssueRef
	err    error
}

func (g *stubGateway) Route(_ context.Context, _ string, issue *models.Issue) (*models.RoutingDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.routed = append(g.routed, issue.Ref)
	return &models.RoutingDecision{
		Issue:        issue.Ref,
		Category:     models.CategorySimple,
		Action:       models.ActionStartCodeAgent,
		RequiredRole: models.RoleDeveloper,
	}, nil
}

type stubSink struct {
	mu         sync.Mutex
	dispatched []string
	reject     string
}

func (s *stubSink) Dispatch(pipelineID string, _ *models.RoutingDecision) dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject != "" {
		return dispatch.Result{Reason: s.reject}
	}
	s.dispatched = append(s.dispatched, pipelineID)
	return dispatch.Result{Accepted: true, PipelineID: pipelineID}
}

func newTestPoller(t *testing.T, repo *fakeRepo, gw *stubGateway, sink *stubSink) (*Poller, *pipeline.Store) {
	t.Helper()
	srv := httptest.NewServer(repo.handler())
	t.Cleanup(srv.Close)

	secretDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secretDir, "forge-bot"), []byte("tok"), 0o600))
	acct, err := accounts.Load(secretDir)
	require.NoError(t, err)

	forgeCfg := &config.ForgeConfig{
		BaseURL:        srv.URL,
		BotIdentity:    "forge-bot",
		RequestTimeout: 2 * time.Second,
		ReadsPerSecond: 100,
	}
	limiter := ratelimit.New(&config.RateLimitConfig{BurstCap: 1000, EventLogSize: 64})
	t.Cleanup(func() { _ = limiter.Close() })
	fc := forge.NewClient(forgeCfg, limiter, acct, nil, nil)

	store, err := pipeline.NewStore(&config.PipelineConfig{
		StateFile:   filepath.Join(t.TempDir(), "pipelines.json"),
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  10 * time.Minute,
	}, nil, nil, nil)
	require.NoError(t, err)

	cfg := &config.PollerConfig{
		Repos:    []string{"acme/api"},
		Interval: time.Minute,
		ClaimTTL: time.Hour,
	}
	return New(fc, store, gw, sink, nil, cfg, "forge-bot", nil), store
}

func readyIssue(n int, age time.Duration) *fakeIssue {
	return &fakeIssue{
		number:    n,
		title:     fmt.Sprintf("Issue %d", n),
		labels:    []string{models.LabelAgentReady},
		createdAt: time.Now().Add(-age),
	}
}

func TestPollOnce_ClaimsAndDispatches(t *testing.T) {
	repo := &fakeRepo{issues: map[int]*fakeIssue{1: readyIssue(1, time.Hour)}}
	gw := &stubGateway{}
	sink := &stubSink{}
	p, store := newTestPoller(t, repo, gw, sink)

	p.PollOnce(context.Background())

	require.Len(t, gw.routed, 1)
	assert.Equal(t, models.IssueRef{Repo: "acme/api", Number: 1}, gw.routed[0])
	assert.Len(t, sink.dispatched, 1)
	assert.Contains(t, repo.issues[1].labels, "claimed-by-forge-bot")

	_, active := store.ActiveForIssue(models.IssueRef{Repo: "acme/api", Number: 1})
	assert.True(t, active)
}

func TestPollOnce_OldestFirst(t *testing.T) {
	repo := &fakeRepo{issues: map[int]*fakeIssue{
		1: readyIssue(1, time.Hour),
		2: readyIssue(2, 3*time.Hour),
		3: readyIssue(3, 2*time.Hour),
	}}
	gw := &stubGateway{}
	p, _ := newTestPoller(t, repo, gw, &stubSink{})

	p.PollOnce(context.Background())

	require.Len(t, gw.routed, 3)
	assert.Equal(t, 2, gw.routed[0].Number)
	assert.Equal(t, 3, gw.routed[1].Number)
	assert.Equal(t, 1, gw.routed[2].Number)
}

func TestPollOnce_SkipRules(t *testing.T) {
	pr := readyIssue(2, time.Hour)
	pr.isPR = true
	wontfix := readyIssue(3, time.Hour)
	wontfix.labels = append(wontfix.labels, models.LabelWontfix)
	claimed := readyIssue(4, time.Hour)
	claimed.labels = append(claimed.labels, "claimed-by-other-bot")

	repo := &fakeRepo{issues: map[int]*fakeIssue{2: pr, 3: wontfix, 4: claimed}}
	gw := &stubGateway{}
	p, _ := newTestPoller(t, repo, gw, &stubSink{})

	p.PollOnce(context.Background())
	assert.Empty(t, gw.routed)
}

func TestPollOnce_ActivePipelineSkipped(t *testing.T) {
	repo := &fakeRepo{issues: map[int]*fakeIssue{1: readyIssue(1, time.Hour)}}
	gw := &stubGateway{}
	p, store := newTestPoller(t, repo, gw, &stubSink{})

	_, err := store.Create(models.IssueRef{Repo: "acme/api", Number: 1})
	require.NoError(t, err)

	p.PollOnce(context.Background())
	assert.Empty(t, gw.routed, "issue with a live pipeline must not be re-claimed")
}

func TestPollOnce_BotAssignedWithoutLabel(t *testing.T) {
	iss := &fakeIssue{number: 9, title: "Assigned directly", assignees: []string{"forge-bot"}, createdAt: time.Now()}
	repo := &fakeRepo{issues: map[int]*fakeIssue{9: iss}}
	gw := &stubGateway{}
	p, _ := newTestPoller(t, repo, gw, &stubSink{})

	p.PollOnce(context.Background())
	require.Len(t, gw.routed, 1)
	assert.Equal(t, 9, gw.routed[0].Number)
}

func TestClaim_ContestedByEarlierNameWithdraws(t *testing.T) {
	iss := readyIssue(1, time.Hour)
	iss.contestWith = "claimed-by-alpha-bot" // sorts before claimed-by-forge-bot
	repo := &fakeRepo{issues: map[int]*fakeIssue{1: iss}}
	gw := &stubGateway{}
	p, store := newTestPoller(t, repo, gw, &stubSink{})

	p.PollOnce(context.Background())

	assert.Empty(t, gw.routed)
	assert.NotContains(t, repo.issues[1].labels, "claimed-by-forge-bot", "lost claim must be withdrawn")
	assert.Contains(t, repo.issues[1].labels, "claimed-by-alpha-bot")
	_, active := store.ActiveForIssue(models.IssueRef{Repo: "acme/api", Number: 1})
	assert.False(t, active)
}

func TestClaim_ContestedByLaterNameKeeps(t *testing.T) {
	iss := readyIssue(1, time.Hour)
	iss.contestWith = "claimed-by-zulu-bot" // sorts after claimed-by-forge-bot
	repo := &fakeRepo{issues: map[int]*fakeIssue{1: iss}}
	gw := &stubGateway{}
	p, _ := newTestPoller(t, repo, gw, &stubSink{})

	p.PollOnce(context.Background())

	require.Len(t, gw.routed, 1, "deterministic tie-break keeps our claim")
	assert.Contains(t, repo.issues[1].labels, "claimed-by-forge-bot")
}

func TestPollOnce_DispatchRejectionFailsPipeline(t *testing.T) {
	repo := &fakeRepo{issues: map[int]*fakeIssue{1: readyIssue(1, time.Hour)}}
	gw := &stubGateway{}
	sink := &stubSink{reject: "queue full"}
	p, store := newTestPoller(t, repo, gw, sink)

	p.PollOnce(context.Background())

	recs := store.List()
	require.Len(t, recs, 1)
	assert.Equal(t, models.PhaseFailed, recs[0].Phase)
	assert.Contains(t, recs[0].Error, "queue full")
}

func TestReleaseClaim(t *testing.T) {
	iss := readyIssue(1, time.Hour)
	iss.labels = append(iss.labels, "claimed-by-forge-bot")
	repo := &fakeRepo{issues: map[int]*fakeIssue{1: iss}}
	p, _ := newTestPoller(t, repo, &stubGateway{}, &stubSink{})

	require.NoError(t, p.ReleaseClaim(context.Background(), models.IssueRef{Repo: "acme/api", Number: 1}))
	assert.NotContains(t, repo.issues[1].labels, "claimed-by-forge-bot")
}
