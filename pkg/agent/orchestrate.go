package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/registry"
)

const breakdownPrompt = `You are a coordinator breaking a complex software issue into
independent sub-tasks that individual agents can resolve.
Reply with one line per sub-task, each as "SUB: <title> :: <description>".
Three to six sub-tasks; each must be independently implementable.`

const maxSubIssues = 6

// orchestrate is the coordinator flow for complex (or escalated) issues: no
// code is written here. The issue is decomposed into sub-issues that carry
// the agent-ready label and re-enter the system through the poller.
func (e *Executor) orchestrate(ctx context.Context, inst *registry.Instance, pipelineID string, decision *models.RoutingDecision) error {
	identity := inst.Profile.ForgeIdentity
	parent := decision.Issue

	issue, err := e.forge.GetIssue(ctx, identity, parent)
	if err != nil {
		return err
	}

	if err := e.forge.EnsureLabel(ctx, identity, parent, models.LabelOrchestrating); err != nil {
		e.logger.Warn("orchestrating label not applied", "issue", parent, "error", err)
	}

	reply, err := e.complete(ctx, inst, breakdownPrompt, fmt.Sprintf("Title: %s\n\n%s", issue.Title, issue.Body))
	if err != nil {
		return err
	}
	subs := parseBreakdown(reply)
	if len(subs) == 0 {
		return fmt.Errorf("%w: breakdown produced no sub-tasks", models.ErrAgentError)
	}

	var created []models.IssueRef
	for _, sub := range subs {
		body := fmt.Sprintf("%s\n\nPart of %s#%d.", sub.body, parent.Repo, parent.Number)
		ref, err := e.forge.CreateIssue(ctx, identity, parent.Repo, sub.title, body, []string{models.LabelAgentReady})
		if err != nil {
			// Already-created sub-issues stand; the comment below reports
			// only what exists so a retry can fill the gap.
			e.logger.Error("creating sub-issue", "parent", parent, "title", sub.title, "error", err)
			break
		}
		created = append(created, ref)
	}
	if len(created) == 0 {
		return fmt.Errorf("%w: no sub-issues created for %s", models.ErrAgentError, parent)
	}

	var list strings.Builder
	for _, ref := range created {
		fmt.Fprintf(&list, "- %s#%d\n", ref.Repo, ref.Number)
	}
	body := fmt.Sprintf("Orchestration started: %d sub-issues filed.\n\n%s", len(created), list.String())
	marker := "orchestration-" + parent.String()
	if err := e.forge.EnsureComment(ctx, identity, parent, body, marker); err != nil {
		e.logger.Warn("orchestration comment not posted", "issue", parent, "error", err)
	}

	return e.store.Transition(pipelineID, models.PhaseReviewing, func(r *models.PipelineRecord) {
		r.Error = ""
	})
}

type subTask struct {
	title string
	body  string
}

// parseBreakdown reads "SUB: title :: description" lines, capped.
func parseBreakdown(text string) []subTask {
	var out []subTask
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "SUB:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "SUB:"))
		title, body := rest, ""
		if i := strings.Index(rest, "::"); i >= 0 {
			title = strings.TrimSpace(rest[:i])
			body = strings.TrimSpace(rest[i+2:])
		}
		if title == "" {
			continue
		}
		out = append(out, subTask{title: title, body: body})
		if len(out) == maxSubIssues {
			break
		}
	}
	return out
}
