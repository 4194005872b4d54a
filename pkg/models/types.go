// Package models defines the core data model shared across the orchestration
// components: issue references, claims, agent profiles, routing decisions,
// pipeline records, and the error taxonomy.
package models

import (
	"fmt"
	"time"
)

// IssueRef identifies one issue on the forge. It is the unique key for all
// per-issue state in the process.
type IssueRef struct {
	Repo   string `json:"repo" yaml:"repo"`
	Number int    `json:"number" yaml:"number"`
}

// String renders the reference as "repo#number" for logging and map keys.
func (r IssueRef) String() string {
	return fmt.Sprintf("%s#%d", r.Repo, r.Number)
}

// Claim is the ownership record for an issue. At most one non-expired Claim
// exists per IssueRef in the process; the forge-side claim label provides the
// weak cross-process guarantee.
type Claim struct {
	Issue     IssueRef  `json:"issue"`
	AgentID   string    `json:"agent_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the claim TTL has passed at the given instant.
func (c Claim) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AgentRole is the closed set of agent roles.
type AgentRole string

// Agent roles.
const (
	RoleCoordinator AgentRole = "coordinator"
	RoleDeveloper   AgentRole = "developer"
	RoleReviewer    AgentRole = "reviewer"
	RoleTester      AgentRole = "tester"
	RoleDocumenter  AgentRole = "documenter"
	RoleResearcher  AgentRole = "researcher"
	RoleBot         AgentRole = "bot"
)

// ValidRole reports whether the role is one of the known roles. Unknown roles
// in profile files are rejected at load, not tolerated dynamically.
func ValidRole(r AgentRole) bool {
	switch r {
	case RoleCoordinator, RoleDeveloper, RoleReviewer, RoleTester, RoleDocumenter, RoleResearcher, RoleBot:
		return true
	}
	return false
}

// Lifecycle distinguishes always-on agents (live for the process lifetime)
// from on-demand agents (constructed per task, torn down when idle).
type Lifecycle string

// Lifecycle modes.
const (
	LifecycleAlwaysOn Lifecycle = "always_on"
	LifecycleOnDemand Lifecycle = "on_demand"
)

// AgentProfile is the declarative identity of an agent. Immutable after load.
type AgentProfile struct {
	AgentID          string    `json:"agent_id" yaml:"agent_id"`
	Role             AgentRole `json:"role" yaml:"role"`
	Provider         string    `json:"provider" yaml:"provider"`
	Model            string    `json:"model" yaml:"model"`
	Capabilities     []string  `json:"capabilities" yaml:"capabilities"`
	Lifecycle        Lifecycle `json:"lifecycle" yaml:"lifecycle"`
	ConcurrencyLimit int       `json:"concurrency_limit" yaml:"concurrency_limit"`
	ForgeIdentity    string    `json:"forge_identity" yaml:"forge_identity"`
}

// HasCapability reports whether the profile advertises the given tag.
func (p *AgentProfile) HasCapability(tag string) bool {
	for _, c := range p.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// InstanceState is the live state of an agent instance.
type InstanceState string

// Instance states. Transitions: offline → idle ↔ working → idle, with error
// reachable from working and recovered to idle by a supervisor reset.
const (
	InstanceOffline InstanceState = "offline"
	InstanceIdle    InstanceState = "idle"
	InstanceWorking InstanceState = "working"
	InstanceError   InstanceState = "error"
)

// ComplexityCategory classifies an issue by its analysis score.
type ComplexityCategory string

// Categories. Thresholds: score ≤ 10 simple, 11–25 uncertain, > 25 complex.
const (
	CategorySimple    ComplexityCategory = "simple"
	CategoryUncertain ComplexityCategory = "uncertain"
	CategoryComplex   ComplexityCategory = "complex"
)

// ComplexityAnalysis is the pure output of the complexity analyzer. Never
// mutated after construction.
type ComplexityAnalysis struct {
	Score      int                `json:"score"`
	Category   ComplexityCategory `json:"category"`
	Confidence float64            `json:"confidence"`
	Signals    map[string]int     `json:"signals"`
	Reasoning  string             `json:"reasoning"`
}

// DecisionAction is the closed set of routing actions.
type DecisionAction string

// Routing actions.
const (
	ActionStartCodeAgent                DecisionAction = "start_code_agent"
	ActionStartCodeAgentWithEscalation  DecisionAction = "start_code_agent_with_escalation"
	ActionStartCoordinatorOrchestration DecisionAction = "start_coordinator_orchestration"
)

// DecisionPriority orders queued dispatches.
type DecisionPriority string

// Priorities.
const (
	PriorityNormal DecisionPriority = "normal"
	PriorityHigh   DecisionPriority = "high"
)

// RoutingDecision is the coordinator gateway's verdict for one claimed issue.
// Produced exactly once per claim; immutable; persisted on the forge as a
// label plus an explanatory comment.
type RoutingDecision struct {
	Issue             IssueRef           `json:"issue"`
	Category          ComplexityCategory `json:"category"`
	Action            DecisionAction     `json:"action"`
	RequiredRole      AgentRole          `json:"required_role"`
	Priority          DecisionPriority   `json:"priority"`
	EscalationEnabled bool               `json:"escalation_enabled"`
	Analysis          ComplexityAnalysis `json:"analysis"`
	Explanation       string             `json:"explanation"`
	DecidedAt         time.Time          `json:"decided_at"`
}

// EscalationContext is built incrementally by a running agent and consulted
// by the escalator to decide whether to hand work back to the coordinator.
type EscalationContext struct {
	FilesTouched          int             `json:"files_touched"`
	ComponentsTouched     map[string]bool `json:"components_touched"`
	ElapsedMinutes        float64         `json:"elapsed_minutes"`
	FailedAttempts        int             `json:"failed_attempts"`
	ArchitectureChanges   bool            `json:"architecture_changes"`
	CoordinationRequested bool            `json:"coordination_requested"`
}

// TouchComponent records a touched component (nil-safe helper for agents).
func (e *EscalationContext) TouchComponent(name string) {
	if e.ComponentsTouched == nil {
		e.ComponentsTouched = make(map[string]bool)
	}
	e.ComponentsTouched[name] = true
}

// OpKind is the closed set of outbound forge operation kinds tracked by the
// rate limiter.
type OpKind string

// Operation kinds.
const (
	OpIssueComment OpKind = "issue_comment"
	OpIssueCreate  OpKind = "issue_create"
	OpIssueUpdate  OpKind = "issue_update"
	OpPRCreate     OpKind = "pr_create"
	OpPRComment    OpKind = "pr_comment"
	OpPRUpdate     OpKind = "pr_update"
	OpPRMerge      OpKind = "pr_merge"
	OpBranchCreate OpKind = "branch_create"
	OpAPIRead      OpKind = "api_read"
)

// AllOpKinds lists every operation kind (for stats and config validation).
var AllOpKinds = []OpKind{
	OpIssueComment, OpIssueCreate, OpIssueUpdate,
	OpPRCreate, OpPRComment, OpPRUpdate, OpPRMerge,
	OpBranchCreate, OpAPIRead,
}

// RateLimitEvent is one entry in the limiter's append-only ring.
type RateLimitEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      OpKind    `json:"kind"`
	Target    string    `json:"target"`
	Digest    string    `json:"digest"`
	Success   bool      `json:"success"`
}

// PipelinePhase is the per-issue lifecycle phase.
type PipelinePhase string

// Pipeline phases. merged and abandoned are terminal.
const (
	PhaseClaimed    PipelinePhase = "claimed"
	PhaseAnalyzed   PipelinePhase = "analyzed"
	PhaseDispatched PipelinePhase = "dispatched"
	PhaseExecuting  PipelinePhase = "executing"
	PhaseReviewing  PipelinePhase = "reviewing"
	PhaseMerged     PipelinePhase = "merged"
	PhaseFailed     PipelinePhase = "failed"
	PhaseAbandoned  PipelinePhase = "abandoned"
)

// Terminal reports whether the phase ends the pipeline.
func (p PipelinePhase) Terminal() bool {
	return p == PhaseMerged || p == PhaseAbandoned
}

// PipelineRecord tracks one issue from claim to terminal state. One record
// per claimed issue; the owning task is its only writer.
type PipelineRecord struct {
	ID        string           `json:"id"`
	Issue     IssueRef         `json:"issue"`
	Phase     PipelinePhase    `json:"phase"`
	Decision  *RoutingDecision `json:"decision,omitempty"`
	AgentID   string           `json:"agent_id,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Error     string           `json:"error,omitempty"`
	Attempts  int              `json:"attempts"`
	Escalated bool             `json:"escalated"`
}

// Workspace is a per-task scratch directory, exclusively owned by the agent
// that requested it.
type Workspace struct {
	ID        string    `json:"id"`
	Issue     IssueRef  `json:"issue"`
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue is the forge-side issue content consumed by the analyzer and the
// coordinator gateway.
type Issue struct {
	Ref       IssueRef  `json:"ref"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	Assignees []string  `json:"assignees"`
	State     string    `json:"state"`
	IsPR      bool      `json:"is_pr"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// PullRequest is the forge-side PR shape the core consumes.
type PullRequest struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	Head   string `json:"head"`
	Base   string `json:"base"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
}

// Forge label names (closed set).
const (
	LabelAgentReady        = "agent-ready"
	LabelClaimPrefix       = "claimed-by-"
	LabelApprovedSimple    = "coordinator-approved-simple"
	LabelApprovedUncertain = "coordinator-approved-uncertain"
	LabelApprovedComplex   = "coordinator-approved-complex"
	LabelAgentExecuting    = "agent-executing"
	LabelEscalated         = "escalated-to-coordinator"
	LabelOrchestrating     = "coordinator-orchestrating"
	LabelWontfix           = "wontfix"
	LabelManualOnly        = "manual-only"
	LabelBlocked           = "blocked"
)

// ApprovalLabel returns the decision label for a category.
func ApprovalLabel(c ComplexityCategory) string {
	switch c {
	case CategorySimple:
		return LabelApprovedSimple
	case CategoryUncertain:
		return LabelApprovedUncertain
	default:
		return LabelApprovedComplex
	}
}

// ClaimLabel returns the claim label for a bot identity.
func ClaimLabel(identity string) string {
	return LabelClaimPrefix + identity
}
