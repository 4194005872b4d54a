// Package dispatch hands routed issues to agent instances. When every
// matching instance is busy the decision waits in a bounded per-role queue;
// high-priority decisions are served before normal ones, FIFO within each
// priority.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
	"github.com/agent-forge/agent-forge/pkg/registry"
)

// DefaultQueueLimit bounds each per-role queue.
const DefaultQueueLimit = 100

// Executor runs an agent instance against a dispatched pipeline. The agent
// package provides the implementation; the indirection keeps this package
// free of LLM and workspace concerns.
type Executor interface {
	Run(ctx context.Context, inst *registry.Instance, pipelineID string, decision *models.RoutingDecision) error
}

// Gateway re-routes a pipeline whose agent escalated mid-execution. The
// coordinator provides the implementation via SetGateway.
type Gateway interface {
	Reroute(ctx context.Context, pipelineID, reason string) (*models.RoutingDecision, error)
}

// Result is the outcome of a Dispatch call.
type Result struct {
	Accepted   bool
	PipelineID string
	Reason     string
}

type queued struct {
	pipelineID string
	decision   *models.RoutingDecision
}

// Dispatcher owns the queues and the running executions. Safe for
// concurrent use.
type Dispatcher struct {
	registry   *registry.Registry
	store      *pipeline.Store
	executor   Executor
	gateway    Gateway
	logger     *slog.Logger
	queueLimit int

	mu      sync.Mutex
	high    map[models.AgentRole][]queued
	normal  map[models.AgentRole][]queued
	cancels map[string]context.CancelFunc

	baseCtx context.Context
	wg      sync.WaitGroup
}

// New builds a dispatcher. baseCtx parents every execution; cancelling it
// cancels all running agents.
func New(baseCtx context.Context, reg *registry.Registry, store *pipeline.Store, exec Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   reg,
		store:      store,
		executor:   exec,
		logger:     logger.With("component", "dispatch"),
		queueLimit: DefaultQueueLimit,
		high:       make(map[models.AgentRole][]queued),
		normal:     make(map[models.AgentRole][]queued),
		cancels:    make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
	}
}

// SetGateway wires the coordinator in after construction; the coordinator
// itself dispatches through this dispatcher, so the cycle is broken with a
// setter.
func (d *Dispatcher) SetGateway(g Gateway) {
	d.gateway = g
}

// Dispatch routes a decision to an agent, queueing it if all matching
// instances are busy. Rejections are final; the caller decides whether to
// fail the pipeline.
func (d *Dispatcher) Dispatch(pipelineID string, decision *models.RoutingDecision) Result {
	inst, res := d.registry.Acquire(decision.RequiredRole, nil, decision.Issue.String())
	switch res {
	case registry.Acquired:
		if err := d.start(inst, pipelineID, decision); err != nil {
			d.registry.Release(inst.ID)
			return Result{Reason: err.Error()}
		}
		return Result{Accepted: true, PipelineID: pipelineID}
	case registry.NoneAvailable:
		return Result{Reason: fmt.Sprintf("no agent profile provides role %s", decision.RequiredRole)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queuedLocked(decision.RequiredRole) >= d.queueLimit {
		return Result{Reason: fmt.Sprintf("dispatch queue for role %s is full", decision.RequiredRole)}
	}
	item := queued{pipelineID: pipelineID, decision: decision}
	if decision.Priority == models.PriorityHigh {
		d.high[decision.RequiredRole] = append(d.high[decision.RequiredRole], item)
	} else {
		d.normal[decision.RequiredRole] = append(d.normal[decision.RequiredRole], item)
	}
	d.logger.Info("decision queued, all instances busy",
		"pipeline_id", pipelineID, "role", decision.RequiredRole,
		"queued", d.queuedLocked(decision.RequiredRole))
	return Result{Accepted: true, PipelineID: pipelineID}
}

// start transitions the pipeline to dispatched and launches the execution.
func (d *Dispatcher) start(inst *registry.Instance, pipelineID string, decision *models.RoutingDecision) error {
	err := d.store.Transition(pipelineID, models.PhaseDispatched, func(r *models.PipelineRecord) {
		r.AgentID = inst.Profile.AgentID
	})
	if err != nil {
		return fmt.Errorf("marking pipeline dispatched: %w", err)
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	d.mu.Lock()
	d.cancels[pipelineID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx, cancel, inst, pipelineID, decision)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, inst *registry.Instance, pipelineID string, decision *models.RoutingDecision) {
	defer d.wg.Done()
	defer cancel()

	err := d.executor.Run(ctx, inst, pipelineID, decision)

	d.mu.Lock()
	delete(d.cancels, pipelineID)
	d.mu.Unlock()

	switch {
	case err == nil:
		d.registry.Release(inst.ID)
	case errors.Is(err, models.ErrEscalated):
		// Hand-back, not a failure: the instance is healthy and the attempt
		// budget is untouched. Re-route through the gateway and dispatch the
		// fresh decision.
		d.registry.Release(inst.ID)
		d.escalate(pipelineID, err)
	case models.Retryable(err):
		d.logger.Warn("execution failed, instance released for retry",
			"pipeline_id", pipelineID, "agent_id", inst.Profile.AgentID, "error", err)
		if ferr := d.store.RecordFailure(pipelineID, err); ferr != nil {
			d.logger.Error("recording failure", "pipeline_id", pipelineID, "error", ferr)
		}
		d.registry.Release(inst.ID)
	default:
		d.logger.Warn("execution failed", "pipeline_id", pipelineID,
			"agent_id", inst.Profile.AgentID, "error", err)
		if ferr := d.store.RecordFailure(pipelineID, err); ferr != nil {
			d.logger.Error("recording failure", "pipeline_id", pipelineID, "error", ferr)
		}
		d.registry.MarkError(inst.ID)
	}

	d.drain(inst.Profile.Role)
}

// escalate asks the gateway for a fresh decision and dispatches it.
func (d *Dispatcher) escalate(pipelineID string, err error) {
	reason := strings.TrimPrefix(err.Error(), models.ErrEscalated.Error())
	reason = strings.TrimPrefix(reason, ": ")
	if d.gateway == nil {
		d.logger.Error("escalation received but no gateway wired", "pipeline_id", pipelineID)
		if ferr := d.store.RecordFailure(pipelineID, fmt.Errorf("%w: escalation without gateway", models.ErrFatal)); ferr != nil {
			d.logger.Error("recording failure", "pipeline_id", pipelineID, "error", ferr)
		}
		return
	}
	decision, rerr := d.gateway.Reroute(d.baseCtx, pipelineID, reason)
	if rerr != nil {
		d.logger.Error("re-routing escalated pipeline", "pipeline_id", pipelineID, "error", rerr)
		if ferr := d.store.RecordFailure(pipelineID, rerr); ferr != nil {
			d.logger.Error("recording failure", "pipeline_id", pipelineID, "error", ferr)
		}
		return
	}
	d.logger.Info("escalated pipeline re-routed",
		"pipeline_id", pipelineID, "role", decision.RequiredRole, "reason", reason)
	if res := d.Dispatch(pipelineID, decision); !res.Accepted {
		d.logger.Error("dispatching escalated pipeline", "pipeline_id", pipelineID, "reason", res.Reason)
		if ferr := d.store.RecordFailure(pipelineID, fmt.Errorf("%w: %s", models.ErrAgentError, res.Reason)); ferr != nil {
			d.logger.Error("recording failure", "pipeline_id", pipelineID, "error", ferr)
		}
	}
}

// drain starts the next queued decision for the role, if any instance is
// now free.
func (d *Dispatcher) drain(role models.AgentRole) {
	for {
		d.mu.Lock()
		var item queued
		var ok bool
		if q := d.high[role]; len(q) > 0 {
			item, d.high[role], ok = q[0], q[1:], true
		} else if q := d.normal[role]; len(q) > 0 {
			item, d.normal[role], ok = q[0], q[1:], true
		}
		d.mu.Unlock()
		if !ok {
			return
		}

		inst, res := d.registry.Acquire(role, nil, item.decision.Issue.String())
		if res != registry.Acquired {
			// Put it back at the head; another release will retry.
			d.mu.Lock()
			if item.decision.Priority == models.PriorityHigh {
				d.high[role] = append([]queued{item}, d.high[role]...)
			} else {
				d.normal[role] = append([]queued{item}, d.normal[role]...)
			}
			d.mu.Unlock()
			return
		}
		if err := d.start(inst, item.pipelineID, item.decision); err != nil {
			d.logger.Error("starting queued pipeline", "pipeline_id", item.pipelineID, "error", err)
			d.registry.Release(inst.ID)
			continue
		}
		return
	}
}

// Cancel aborts a running execution. Returns false when the pipeline is not
// currently executing.
func (d *Dispatcher) Cancel(pipelineID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[pipelineID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// QueueDepth reports the number of waiting decisions for a role.
func (d *Dispatcher) QueueDepth(role models.AgentRole) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queuedLocked(role)
}

// Wait blocks until every running execution has returned. Call after
// cancelling the base context during shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) queuedLocked(role models.AgentRole) int {
	return len(d.high[role]) + len(d.normal[role])
}
