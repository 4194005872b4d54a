// Package coordinator is the gateway every claimed issue passes through. It
// scores the issue, optionally refines the category with an LLM, fixes the
// routing decision, and persists the verdict on the forge as an approval
// label plus an explanation comment.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agent-forge/agent-forge/pkg/analysis"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/forge"
	"github.com/agent-forge/agent-forge/pkg/llm"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
)

// refinePrompt asks the model to second-guess the heuristic score. The reply
// must be a single category word; anything else keeps the heuristic result.
const refinePrompt = `You triage software issues by implementation complexity.
Categories: simple (single-file, mechanical), uncertain (scoped but non-trivial), complex (multi-component or architectural).
Reply with exactly one word: simple, uncertain, or complex.`

// Coordinator routes claimed issues. Safe for concurrent use.
type Coordinator struct {
	forge    *forge.Client
	store    *pipeline.Store
	llm      llm.Provider
	identity string
	model    string
	timeout  time.Duration
	phaseMax time.Duration
	logger   *slog.Logger
}

// New builds the gateway. refiner may be nil to run on heuristics alone.
func New(fc *forge.Client, store *pipeline.Store, refiner llm.Provider, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.LLM.CoordinatorTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		forge:    fc,
		store:    store,
		llm:      refiner,
		identity: cfg.Forge.BotIdentity,
		model:    cfg.LLM.CoordinatorModel,
		timeout:  timeout,
		phaseMax: cfg.Pipeline.AnalyzeTimeout,
		logger:   logger.With("component", "coordinator"),
	}
}

// Route produces the routing decision for a claimed issue and advances its
// pipeline to analyzed. Re-entry with an already-analyzed pipeline returns
// the stored decision without touching the forge again.
func (c *Coordinator) Route(ctx context.Context, pipelineID string, issue *models.Issue) (*models.RoutingDecision, error) {
	if c.phaseMax > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.phaseMax)
		defer cancel()
	}

	if rec, ok := c.store.Get(pipelineID); ok && rec.Decision != nil {
		c.logger.Debug("routing re-entry, returning stored decision",
			"pipeline_id", pipelineID, "issue", issue.Ref)
		return rec.Decision, nil
	}

	result := analysis.Analyze(issue)
	category := result.Category
	explanation := result.Reasoning

	if c.llm != nil {
		if refined, ok := c.refine(ctx, issue); ok && refined != category {
			c.logger.Info("llm refinement overrode heuristic category",
				"issue", issue.Ref, "heuristic", category, "refined", refined)
			explanation = fmt.Sprintf("%s; llm refined %s to %s", explanation, category, refined)
			category = refined
		}
	}

	decision := decide(issue.Ref, category, result, explanation)

	err := c.store.Transition(pipelineID, models.PhaseAnalyzed, func(r *models.PipelineRecord) {
		r.Decision = decision
	})
	if err != nil {
		return nil, fmt.Errorf("recording decision for %s: %w", issue.Ref, err)
	}

	c.persistVerdict(ctx, issue.Ref, decision)
	return decision, nil
}

// Reroute produces a fresh decision for a pipeline whose agent escalated
// mid-execution. Escalation is always a promotion to complex: the pipeline
// returns to analyzed with a coordinator-orchestration decision, and the new
// verdict is persisted on the forge alongside the original one.
func (c *Coordinator) Reroute(ctx context.Context, pipelineID, reason string) (*models.RoutingDecision, error) {
	if c.phaseMax > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.phaseMax)
		defer cancel()
	}

	rec, ok := c.store.Get(pipelineID)
	if !ok {
		return nil, fmt.Errorf("re-routing %s: pipeline not found", pipelineID)
	}

	explanation := "escalated during execution"
	if reason != "" {
		explanation = "escalated during execution: " + reason
	}
	var prior models.ComplexityAnalysis
	if rec.Decision != nil {
		prior = rec.Decision.Analysis
	}
	decision := decide(rec.Issue, models.CategoryComplex, prior, explanation)

	err := c.store.Transition(pipelineID, models.PhaseAnalyzed, func(r *models.PipelineRecord) {
		r.Decision = decision
	})
	if err != nil {
		return nil, fmt.Errorf("recording escalated decision for %s: %w", rec.Issue, err)
	}

	c.logger.Info("escalation promoted pipeline to coordinator orchestration",
		"pipeline_id", pipelineID, "issue", rec.Issue, "reason", reason)

	if lerr := c.forge.EnsureLabel(ctx, c.identity, rec.Issue, models.ApprovalLabel(models.CategoryComplex)); lerr != nil {
		c.logVerdictError(rec.Issue, "approval label", lerr)
	}
	body := fmt.Sprintf("**Routing decision**: %s\n\nCategory: `%s`\nAction: `%s`\nPriority: `%s`\n\n%s",
		decision.Action, decision.Category, decision.Action, decision.Priority, decision.Explanation)
	marker := "decision-escalated-" + rec.Issue.String()
	if cerr := c.forge.EnsureComment(ctx, c.identity, rec.Issue, body, marker); cerr != nil {
		c.logVerdictError(rec.Issue, "explanation comment", cerr)
	}
	return decision, nil
}

// refine asks the LLM for a category within the coordinator timeout. Any
// failure or unparseable reply falls back to the heuristic category.
func (c *Coordinator) refine(ctx context.Context, issue *models.Issue) (models.ComplexityCategory, bool) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.llm.Complete(rctx, llm.Request{
		Model: c.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: refinePrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Title: %s\n\n%s", issue.Title, issue.Body)},
		},
		MaxTokens: 8,
	})
	if err != nil {
		c.logger.Warn("llm refinement unavailable, using heuristic category",
			"issue", issue.Ref, "error", err)
		return "", false
	}

	switch models.ComplexityCategory(strings.ToLower(strings.TrimSpace(resp.Text))) {
	case models.CategorySimple:
		return models.CategorySimple, true
	case models.CategoryUncertain:
		return models.CategoryUncertain, true
	case models.CategoryComplex:
		return models.CategoryComplex, true
	}
	c.logger.Warn("llm refinement reply unparseable, using heuristic category",
		"issue", issue.Ref, "reply", resp.Text)
	return "", false
}

// decide maps a category onto the fixed routing table.
func decide(ref models.IssueRef, category models.ComplexityCategory, a models.ComplexityAnalysis, explanation string) *models.RoutingDecision {
	d := &models.RoutingDecision{
		Issue:       ref,
		Category:    category,
		Analysis:    a,
		Explanation: explanation,
		DecidedAt:   time.Now(),
	}
	switch category {
	case models.CategorySimple:
		d.Action = models.ActionStartCodeAgent
		d.RequiredRole = models.RoleDeveloper
		d.Priority = models.PriorityNormal
	case models.CategoryUncertain:
		d.Action = models.ActionStartCodeAgentWithEscalation
		d.RequiredRole = models.RoleDeveloper
		d.Priority = models.PriorityHigh
		d.EscalationEnabled = true
	default:
		d.Action = models.ActionStartCoordinatorOrchestration
		d.RequiredRole = models.RoleCoordinator
		d.Priority = models.PriorityHigh
	}
	return d
}

// persistVerdict writes the approval label and explanation comment. Both
// writes are idempotent; a rate-limit denial defers them to the forge's
// record rather than blocking the decision, which is already stored locally.
func (c *Coordinator) persistVerdict(ctx context.Context, ref models.IssueRef, d *models.RoutingDecision) {
	if err := c.forge.EnsureLabel(ctx, c.identity, ref, models.ApprovalLabel(d.Category)); err != nil {
		c.logVerdictError(ref, "approval label", err)
	}

	body := fmt.Sprintf("**Routing decision**: %s\n\nCategory: `%s`\nAction: `%s`\nPriority: `%s`\n\n%s",
		d.Action, d.Category, d.Action, d.Priority, d.Explanation)
	marker := "decision-" + ref.String()
	if err := c.forge.EnsureComment(ctx, c.identity, ref, body, marker); err != nil {
		c.logVerdictError(ref, "explanation comment", err)
	}
}

func (c *Coordinator) logVerdictError(ref models.IssueRef, what string, err error) {
	if errors.Is(err, models.ErrRateLimited) {
		c.logger.Warn("verdict write rate limited, decision stands locally",
			"issue", ref, "write", what, "error", err)
		return
	}
	c.logger.Error("verdict write failed", "issue", ref, "write", what, "error", err)
}
