// Package escalation decides when a code agent working an uncertain issue
// should hand control to the coordinator. Triggers are evaluated against the
// execution context the agent accumulates; escalating twice for the same
// pipeline is a no-op.
package escalation

import (
	"fmt"

	"github.com/agent-forge/agent-forge/pkg/models"
)

// Trigger thresholds.
const (
	MaxFilesTouched      = 5
	MaxComponentsTouched = 3
	MaxFailedAttempts    = 2
	MaxElapsedMinutes    = 30
)

// Verdict is the outcome of an escalation check.
type Verdict struct {
	Escalate bool
	Reason   string
}

// Continue is the non-escalating verdict.
var Continue = Verdict{}

// Evaluate checks the execution context against every trigger and returns
// the first that fires. Trigger order is fixed so the reported reason is
// deterministic for a given context.
func Evaluate(ec *models.EscalationContext) Verdict {
	switch {
	case ec.CoordinationRequested:
		return Verdict{Escalate: true, Reason: "agent requested multi-agent coordination"}
	case ec.ArchitectureChanges:
		return Verdict{Escalate: true, Reason: "change set includes architecture-level modifications"}
	case ec.FilesTouched > MaxFilesTouched:
		return Verdict{Escalate: true, Reason: fmt.Sprintf("touched %d files (limit %d)", ec.FilesTouched, MaxFilesTouched)}
	case len(ec.ComponentsTouched) > MaxComponentsTouched:
		return Verdict{Escalate: true, Reason: fmt.Sprintf("touched %d components (limit %d)", len(ec.ComponentsTouched), MaxComponentsTouched)}
	case ec.FailedAttempts >= MaxFailedAttempts:
		return Verdict{Escalate: true, Reason: fmt.Sprintf("%d failed attempts (limit %d)", ec.FailedAttempts, MaxFailedAttempts)}
	case ec.ElapsedMinutes > MaxElapsedMinutes:
		return Verdict{Escalate: true, Reason: fmt.Sprintf("elapsed %.0f minutes (limit %d)", ec.ElapsedMinutes, MaxElapsedMinutes)}
	}
	return Continue
}

// ShouldEscalate applies Evaluate to a pipeline record, honoring the
// once-only rule: a pipeline that already escalated never escalates again.
func ShouldEscalate(rec *models.PipelineRecord, ec *models.EscalationContext) Verdict {
	if rec.Escalated {
		return Continue
	}
	if rec.Decision == nil || !rec.Decision.EscalationEnabled {
		return Continue
	}
	return Evaluate(ec)
}
