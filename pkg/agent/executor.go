// Package agent turns routing decisions into forge activity: developer
// instances plan and implement a change behind a pull request, coordinator
// instances break complex issues into sub-issues that re-enter the system
// through the poller.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/escalation"
	"github.com/agent-forge/agent-forge/pkg/forge"
	"github.com/agent-forge/agent-forge/pkg/llm"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
	"github.com/agent-forge/agent-forge/pkg/registry"
	"github.com/agent-forge/agent-forge/pkg/workspace"
)

const planPrompt = `You are a software engineer planning a change for the issue below.
List every file you will modify, one per line, as "FILE: <path>".
If the change alters system architecture, add a line "ARCHITECTURE".
If the work needs multiple coordinated agents, add a line "NEEDS_COORDINATION".
Then write "---" on its own line, followed by a short implementation plan.`

const implementPrompt = `You are a software engineer implementing the planned change below.
Produce the complete change description: for each file, the exact edits to make.
Be concrete and minimal.`

// Executor runs dispatched pipelines on agent instances.
type Executor struct {
	forge      *forge.Client
	store      *pipeline.Store
	registry   *registry.Registry
	workspaces *workspace.Manager
	llm        llm.Provider
	reviewer   *Reviewer
	cfg        *config.Config
	logger     *slog.Logger
}

// NewExecutor wires the executor.
func NewExecutor(fc *forge.Client, store *pipeline.Store, reg *registry.Registry, ws *workspace.Manager, provider llm.Provider, reviewer *Reviewer, cfg *config.Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		forge:      fc,
		store:      store,
		registry:   reg,
		workspaces: ws,
		llm:        provider,
		reviewer:   reviewer,
		cfg:        cfg,
		logger:     logger.With("component", "agent"),
	}
}

// Run executes one dispatched pipeline to the reviewing phase (or hands it
// to orchestration). Implements the dispatcher's Executor contract.
func (e *Executor) Run(ctx context.Context, inst *registry.Instance, pipelineID string, decision *models.RoutingDecision) error {
	if e.cfg.Pipeline.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Pipeline.ExecuteTimeout)
		defer cancel()
	}

	stopHeartbeat := e.startHeartbeat(ctx, inst.ID)
	defer stopHeartbeat()

	err := e.store.Transition(pipelineID, models.PhaseExecuting, nil)
	if err != nil {
		return err
	}
	if lerr := e.forge.EnsureLabel(ctx, inst.Profile.ForgeIdentity, decision.Issue, models.LabelAgentExecuting); lerr != nil {
		e.logger.Warn("executing label not applied", "issue", decision.Issue, "error", lerr)
	}

	switch decision.Action {
	case models.ActionStartCoordinatorOrchestration:
		return e.orchestrate(ctx, inst, pipelineID, decision)
	default:
		return e.develop(ctx, inst, pipelineID, decision)
	}
}

// develop is the code-agent flow: plan, check escalation, implement, open a
// pull request.
func (e *Executor) develop(ctx context.Context, inst *registry.Instance, pipelineID string, decision *models.RoutingDecision) error {
	issue, err := e.forge.GetIssue(ctx, inst.Profile.ForgeIdentity, decision.Issue)
	if err != nil {
		return err
	}

	ws, err := e.workspaces.Acquire(decision.Issue)
	if err != nil {
		return fmt.Errorf("%w: acquiring workspace: %v", models.ErrAgentError, err)
	}
	defer e.workspaces.Release(ws)

	started := time.Now()

	planResp, err := e.complete(ctx, inst, planPrompt, fmt.Sprintf("Title: %s\n\n%s", issue.Title, issue.Body))
	if err != nil {
		return err
	}
	p := parsePlan(planResp)

	// Suspension point: re-check the escalation triggers before committing
	// to implementation.
	if reason, fired := e.maybeEscalate(ctx, inst, pipelineID, decision, &p, started); fired {
		return fmt.Errorf("%w: %s", models.ErrEscalated, reason)
	}

	change, err := e.complete(ctx, inst, implementPrompt, p.summary+"\n\nFiles:\n"+strings.Join(p.files, "\n"))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(ws.Root, "change.md"), []byte(change), 0o644); err != nil {
		return fmt.Errorf("%w: writing change artifact: %v", models.ErrAgentError, err)
	}

	if reason, fired := e.maybeEscalate(ctx, inst, pipelineID, decision, &p, started); fired {
		return fmt.Errorf("%w: %s", models.ErrEscalated, reason)
	}

	pr, err := e.openPullRequest(ctx, inst, issue, change)
	if err != nil {
		return err
	}

	err = e.store.Transition(pipelineID, models.PhaseReviewing, func(r *models.PipelineRecord) {
		r.Error = ""
	})
	if err != nil {
		return err
	}
	return e.reviewer.OnPullRequestReady(ctx, pipelineID, pr)
}

// openPullRequest creates the work branch and the PR referencing the issue.
func (e *Executor) openPullRequest(ctx context.Context, inst *registry.Instance, issue *models.Issue, change string) (*models.PullRequest, error) {
	identity := inst.Profile.ForgeIdentity
	repo := issue.Ref.Repo
	branch := fmt.Sprintf("agent/issue-%d", issue.Ref.Number)

	baseSHA, err := e.forge.DefaultBranchSHA(ctx, identity, repo, e.cfg.Forge.BaseBranch)
	if err != nil {
		return nil, err
	}
	if err := e.forge.CreateBranch(ctx, identity, repo, branch, baseSHA); err != nil {
		return nil, err
	}

	title := fmt.Sprintf("Fix: %s", issue.Title)
	body := fmt.Sprintf("Resolves %s#%d.\n\n%s", repo, issue.Ref.Number, truncateText(change, 4000))
	pr, err := e.forge.CreatePullRequest(ctx, identity, repo, title, body, branch, e.cfg.Forge.BaseBranch)
	if err != nil {
		return nil, err
	}
	e.logger.Info("pull request opened", "issue", issue.Ref, "pr", pr.Number, "branch", branch)
	return pr, nil
}

// maybeEscalate evaluates the triggers and, when one fires, records the
// escalation on the pipeline and the forge. The caller must then fail the
// run with ErrEscalated so the dispatcher routes the pipeline back through
// the coordinator for a fresh decision.
func (e *Executor) maybeEscalate(ctx context.Context, inst *registry.Instance, pipelineID string, decision *models.RoutingDecision, p *plan, started time.Time) (string, bool) {
	rec, ok := e.store.Get(pipelineID)
	if !ok {
		return "", false
	}
	ec := &models.EscalationContext{
		FilesTouched:          len(p.files),
		ComponentsTouched:     p.components(),
		ElapsedMinutes:        time.Since(started).Minutes(),
		FailedAttempts:        rec.Attempts,
		ArchitectureChanges:   p.architecture,
		CoordinationRequested: p.coordination,
	}
	verdict := escalation.ShouldEscalate(rec, ec)
	if !verdict.Escalate {
		return "", false
	}

	e.logger.Info("escalating to coordinator", "pipeline_id", pipelineID,
		"issue", decision.Issue, "reason", verdict.Reason)
	if err := e.store.MarkEscalated(pipelineID); err != nil {
		e.logger.Error("marking escalation", "pipeline_id", pipelineID, "error", err)
	}

	identity := inst.Profile.ForgeIdentity
	if err := e.forge.EnsureLabel(ctx, identity, decision.Issue, models.LabelEscalated); err != nil {
		e.logger.Warn("escalation label not applied", "issue", decision.Issue, "error", err)
	}
	body := fmt.Sprintf("Escalating to coordinator orchestration: %s", verdict.Reason)
	marker := "escalation-" + decision.Issue.String()
	if err := e.forge.EnsureComment(ctx, identity, decision.Issue, body, marker); err != nil {
		e.logger.Warn("escalation comment not posted", "issue", decision.Issue, "error", err)
	}
	return verdict.Reason, true
}

// complete runs one LLM call on the instance's configured model, refreshing
// the heartbeat afterwards.
func (e *Executor) complete(ctx context.Context, inst *registry.Instance, system, user string) (string, error) {
	resp, err := e.llm.Complete(ctx, llm.Request{
		Model: inst.Profile.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		MaxTokens: 4096,
	})
	if err != nil {
		return "", err
	}
	e.registry.Heartbeat(inst.ID)
	return resp.Text, nil
}

func (e *Executor) startHeartbeat(ctx context.Context, instanceID string) func() {
	interval := e.cfg.Registry.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				e.registry.Heartbeat(instanceID)
			}
		}
	}()
	return func() { close(done) }
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n\n(truncated)"
}
