// Package supervisor owns component lifecycle: it constructs every component
// in dependency order, recovers persisted state on boot, runs the long-lived
// loops under one error group, and drives graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agent-forge/agent-forge/pkg/accounts"
	"github.com/agent-forge/agent-forge/pkg/agent"
	"github.com/agent-forge/agent-forge/pkg/api"
	"github.com/agent-forge/agent-forge/pkg/bus"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/coordinator"
	"github.com/agent-forge/agent-forge/pkg/dispatch"
	"github.com/agent-forge/agent-forge/pkg/forge"
	"github.com/agent-forge/agent-forge/pkg/llm"
	"github.com/agent-forge/agent-forge/pkg/metrics"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
	"github.com/agent-forge/agent-forge/pkg/poller"
	"github.com/agent-forge/agent-forge/pkg/ratelimit"
	"github.com/agent-forge/agent-forge/pkg/registry"
	"github.com/agent-forge/agent-forge/pkg/workspace"
)

// healthTickInterval is how often per-component liveness is published.
const healthTickInterval = 15 * time.Second

// Supervisor wires and runs the whole system.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	monitor    *bus.Bus
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
	accounts   *accounts.Manager
	forge      *forge.Client
	registry   *registry.Registry
	workspaces *workspace.Manager
	store      *pipeline.Store
	llm        llm.Provider
	reviewer   *agent.Reviewer
	executor   *agent.Executor
	dispatcher *dispatch.Dispatcher
	gateway    *coordinator.Coordinator
	poller     *poller.Poller
	server     *api.Server

	// dispatchCancel aborts in-flight executions during shutdown, after the
	// poller and queues have stopped feeding new work.
	dispatchCancel context.CancelFunc

	mu     sync.Mutex
	health map[string]bool
}

// New constructs every component in dependency order. Nothing runs yet;
// call Run.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "supervisor"),
		health: make(map[string]bool),
	}

	s.monitor = bus.New(0)
	s.metrics = metrics.New()
	s.limiter = ratelimit.New(cfg.RateLimits)

	acct, err := accounts.Load(cfg.Accounts.SecretDir)
	if err != nil {
		return nil, err
	}
	s.accounts = acct

	s.forge = forge.NewClient(cfg.Forge, s.limiter, s.accounts, s.metrics, s.monitor)

	reg, err := registry.New(cfg.Registry, s.monitor, s.metrics, logger)
	if err != nil {
		return nil, err
	}
	s.registry = reg

	ws, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	s.workspaces = ws

	store, err := pipeline.NewStore(cfg.Pipeline, s.monitor, s.metrics, logger)
	if err != nil {
		return nil, err
	}
	s.store = store

	chain, err := llm.NewFromConfig(cfg.LLM)
	if err != nil {
		return nil, err
	}
	s.llm = chain

	s.reviewer = agent.NewReviewer(s.forge, s.store, cfg.Forge, cfg.Forge.BotIdentity, logger)
	s.executor = agent.NewExecutor(s.forge, s.store, s.registry, s.workspaces, s.llm, s.reviewer, cfg, logger)

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	s.dispatchCancel = dispatchCancel
	s.dispatcher = dispatch.New(dispatchCtx, s.registry, s.store, s.executor, logger)

	s.gateway = coordinator.New(s.forge, s.store, s.llm, cfg, logger)
	s.dispatcher.SetGateway(s.gateway)
	s.poller = poller.New(s.forge, s.store, s.gateway, s.dispatcher, s.metrics, cfg.Poller, cfg.Forge.BotIdentity, logger)

	s.store.SetAbandonHook(s.onAbandon)

	s.server = api.New(cfg.Server, api.Deps{
		Fleet:     s.registry,
		Pipelines: s.store,
		Canceler:  s.dispatcher,
		Approver:  s.reviewer,
		Stats:     s.limiter,
		Monitor:   s.monitor,
		Metrics:   s.metrics,
		Health:    s.Health,
	}, logger)

	return s, nil
}

// Run recovers persisted state, starts every loop, and blocks until the
// context is cancelled or a component fails. Shutdown order: discovery and
// queues stop with the context, in-flight executions get the graceful
// window, then state is already on disk because the store persists on every
// transition.
func (s *Supervisor) Run(ctx context.Context) error {
	s.recover(ctx)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runComponent(runCtx, "registry", s.registry.Run) })
	g.Go(func() error { return s.runComponent(runCtx, "poller", s.poller.Run) })
	g.Go(func() error { return s.runComponent(runCtx, "api", s.server.Run) })
	g.Go(func() error { return s.runComponent(runCtx, "sweeper", s.runSweeper) })
	g.Go(func() error { return s.runComponent(runCtx, "health", s.runHealthTicker) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	s.shutdown()
	return err
}

// recover reconciles on-disk state with reality after a restart: orphaned
// workspaces are swept and records stuck past the claim TTL are abandoned.
// The abandon hook posts the final comment and releases each claim.
func (s *Supervisor) recover(ctx context.Context) {
	if removed, err := s.workspaces.CleanupOrphans(); err != nil {
		s.logger.Warn("workspace orphan cleanup failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("removed orphaned workspaces", "count", removed)
	}

	for _, rec := range s.store.AbandonStale(s.cfg.Poller.ClaimTTL) {
		s.logger.Warn("abandoned stale pipeline on boot",
			"pipeline_id", rec.ID, "issue", rec.Issue, "phase", rec.Phase)
	}
}

// onAbandon runs on every transition into the abandoned phase. It posts a
// final comment explaining why the pipeline gave up and removes the claim
// label so a human can re-assign the issue.
func (s *Supervisor) onAbandon(rec models.PipelineRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cause := rec.Error
	if cause == "" {
		cause = "no further progress was possible"
	}
	body := fmt.Sprintf("Abandoning this issue after %d attempt(s): %s\n\nThe claim has been released; a human can re-assign or relabel it.",
		rec.Attempts, cause)
	marker := "abandoned-" + rec.Issue.String()
	if err := s.forge.EnsureComment(ctx, s.cfg.Forge.BotIdentity, rec.Issue, body, marker); err != nil {
		s.logger.Warn("abandon comment not posted", "issue", rec.Issue, "error", err)
	}
	if err := s.poller.ReleaseClaim(ctx, rec.Issue); err != nil {
		s.logger.Warn("releasing claim on abandon", "issue", rec.Issue, "error", err)
	}
}

// runComponent tracks per-component health around a blocking run function.
func (s *Supervisor) runComponent(ctx context.Context, name string, run func(context.Context) error) error {
	s.setHealth(name, true)
	err := run(ctx)
	s.setHealth(name, false)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("component stopped", "name", name, "error", err)
		return err
	}
	return nil
}

// runSweeper periodically redispatches pipelines whose retry backoff has
// expired. Records that lost their routing decision cannot be redispatched
// and are abandoned.
func (s *Supervisor) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Pipeline.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepRetries(ctx)
			s.sweepReviews()
		}
	}
}

func (s *Supervisor) sweepRetries(ctx context.Context) {
	for _, rec := range s.store.DueRetries() {
		if ctx.Err() != nil {
			return
		}
		if rec.Decision == nil {
			s.logger.Error("retryable pipeline has no routing decision, abandoning", "pipeline_id", rec.ID)
			if err := s.store.Transition(rec.ID, models.PhaseAbandoned, nil); err != nil {
				s.logger.Error("abandoning undecided pipeline", "pipeline_id", rec.ID, "error", err)
			}
			continue
		}
		s.logger.Info("redispatching after backoff",
			"pipeline_id", rec.ID, "issue", rec.Issue, "attempt", rec.Attempts)
		result := s.dispatcher.Dispatch(rec.ID, rec.Decision)
		if !result.Accepted {
			s.logger.Warn("retry dispatch rejected", "pipeline_id", rec.ID, "reason", result.Reason)
		}
	}
}

// sweepReviews abandons pipelines that sat in review past the review
// timeout without an approval event. The PR stays open on the forge for
// humans; only the pipeline stops waiting.
func (s *Supervisor) sweepReviews() {
	timeout := s.cfg.Pipeline.ReviewTimeout
	if timeout <= 0 {
		return
	}
	for _, rec := range s.store.List() {
		if rec.Phase != models.PhaseReviewing || time.Since(rec.UpdatedAt) < timeout {
			continue
		}
		s.logger.Warn("review window expired, abandoning pipeline",
			"pipeline_id", rec.ID, "issue", rec.Issue)
		if err := s.store.RecordFailure(rec.ID, errors.New("review window expired without approval")); err != nil {
			s.logger.Error("abandoning expired review", "pipeline_id", rec.ID, "error", err)
		}
	}
}

// runHealthTicker publishes periodic liveness events for observers.
func (s *Supervisor) runHealthTicker(ctx context.Context) error {
	ticker := time.NewTicker(healthTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			for name, healthy := range s.Health() {
				s.monitor.Publish(bus.EventHealthTick, bus.HealthTickPayload{
					Component: name,
					Healthy:   healthy,
					At:        now,
				})
			}
		}
	}
}

// Health returns a snapshot of per-component liveness.
func (s *Supervisor) Health() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.health))
	for k, v := range s.health {
		out[k] = v
	}
	return out
}

func (s *Supervisor) setHealth(name string, ok bool) {
	s.mu.Lock()
	s.health[name] = ok
	s.mu.Unlock()
}

// shutdown cancels in-flight executions and waits out the graceful window.
// The poller and API have already stopped by the time this runs, so no new
// work can arrive.
func (s *Supervisor) shutdown() {
	s.logger.Info("shutting down, waiting for in-flight executions")
	s.dispatchCancel()

	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()

	timeout := s.cfg.Server.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		s.logger.Info("all executions drained")
	case <-time.After(timeout):
		s.logger.Warn("graceful window expired with executions still running")
	}

	if err := s.limiter.Close(); err != nil {
		s.logger.Warn("closing rate limiter", "error", err)
	}
}
