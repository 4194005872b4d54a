package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/agent-forge/pkg/bus"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/metrics"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/ratelimit"
	"github.com/agent-forge/agent-forge/pkg/registry"
)

type stubFleet struct {
	agents []registry.InstanceInfo
}

func (s *stubFleet) Snapshot() []registry.InstanceInfo { return s.agents }

type stubPipelines struct {
	records []models.PipelineRecord
}

func (s *stubPipelines) List() []models.PipelineRecord { return s.records }

func (s *stubPipelines) Get(id string) (*models.PipelineRecord, bool) {
	for i := range s.records {
		if s.records[i].ID == id {
			return &s.records[i], true
		}
	}
	return nil, false
}

type stubCanceler struct {
	cancelled []string
	ok        bool
}

func (s *stubCanceler) Cancel(id string) bool {
	s.cancelled = append(s.cancelled, id)
	return s.ok
}

type stubApprover struct {
	approved []string
	err      error
}

func (s *stubApprover) Approve(_ context.Context, id string) error {
	if s.err != nil {
		return s.err
	}
	s.approved = append(s.approved, id)
	return nil
}

type fixture struct {
	server    *Server
	fleet     *stubFleet
	pipelines *stubPipelines
	canceler  *stubCanceler
	approver  *stubApprover
	monitor   *bus.Bus
	health    map[string]bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		fleet:     &stubFleet{},
		pipelines: &stubPipelines{},
		canceler:  &stubCanceler{ok: true},
		approver:  &stubApprover{},
		monitor:   bus.New(16),
		health:    map[string]bool{"poller": true, "registry": true},
	}

	limiter := ratelimit.New(config.DefaultConfig().RateLimits)
	t.Cleanup(func() { _ = limiter.Close() })

	f.server = New(
		&config.ServerConfig{Addr: ":0"},
		Deps{
			Fleet:     f.fleet,
			Pipelines: f.pipelines,
			Canceler:  f.canceler,
			Approver:  f.approver,
			Stats:     limiter,
			Monitor:   f.monitor,
			Metrics:   metrics.New(),
			Health:    func() map[string]bool { return f.health },
		},
		nil,
	)
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth_AllComponentsUp(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["healthy"])
	assert.NotEmpty(t, body["version"])
}

func TestHealth_DegradedComponentReports503(t *testing.T) {
	f := newFixture(t)
	f.health["poller"] = false

	rec := f.do(t, http.MethodGet, "/health")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode(t, rec)["healthy"])
}

func TestListAgents(t *testing.T) {
	f := newFixture(t)
	f.fleet.agents = []registry.InstanceInfo{
		{ID: "dev-general-1", AgentID: "dev-general", Role: models.RoleDeveloper, State: models.InstanceIdle},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/agents")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dev-general-1")
}

func TestListPipelines_PhaseFilter(t *testing.T) {
	f := newFixture(t)
	f.pipelines.records = []models.PipelineRecord{
		{ID: "p1", Phase: models.PhaseExecuting},
		{ID: "p2", Phase: models.PhaseMerged},
		{ID: "p3", Phase: models.PhaseExecuting},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/pipelines?phase=executing")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "p1")
	assert.NotContains(t, rec.Body.String(), "p2")
	assert.Contains(t, rec.Body.String(), "p3")
}

func TestGetPipeline_UnknownIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/pipelines/nope")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPipeline(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/pipelines/p1/cancel")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"p1"}, f.canceler.cancelled)
}

func TestCancelPipeline_NotExecutingIsConflict(t *testing.T) {
	f := newFixture(t)
	f.canceler.ok = false

	rec := f.do(t, http.MethodPost, "/api/v1/pipelines/p1/cancel")

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovePipeline(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/pipelines/p1/approve")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1"}, f.approver.approved)
}

func TestApprovePipeline_WrongPhaseIsConflict(t *testing.T) {
	f := newFixture(t)
	f.approver.err = fmt.Errorf("%w: pipeline p1 is not in review", models.ErrConflict)

	rec := f.do(t, http.MethodPost, "/api/v1/pipelines/p1/approve")

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovePipeline_RateLimitedIs429(t *testing.T) {
	f := newFixture(t)
	f.approver.err = fmt.Errorf("merging: %w", models.ErrRateLimited)

	rec := f.do(t, http.MethodPost, "/api/v1/pipelines/p1/approve")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStats_IncludesRateLimitSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/stats")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Contains(t, body, "rate_limit")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipelines_active")
}

func TestWebsocket_StreamsBusEvents(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is established inside the handler; give it a moment
	// before publishing.
	require.Eventually(t, func() bool { return f.monitor.Subscribers() == 1 },
		2*time.Second, 10*time.Millisecond)

	f.monitor.Publish(bus.EventPipelineTransition, bus.PipelineTransitionPayload{
		PipelineID: "p1", From: "claimed", To: "analyzed",
	})

	var ev bus.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, bus.EventPipelineTransition, ev.Type)

	payload, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "p1")
}
