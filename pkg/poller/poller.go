// Package poller discovers work: it periodically lists candidate issues in
// the configured repositories, claims eligible ones through a label-based
// protocol that tolerates competing pollers, and hands each claim to the
// coordinator gateway.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/dispatch"
	"github.com/agent-forge/agent-forge/pkg/forge"
	"github.com/agent-forge/agent-forge/pkg/metrics"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
)

// skipLabels exclude an issue from automation entirely.
var skipLabels = []string{models.LabelWontfix, models.LabelManualOnly, models.LabelBlocked}

// Gateway routes a claimed issue. Implemented by the coordinator.
type Gateway interface {
	Route(ctx context.Context, pipelineID string, issue *models.Issue) (*models.RoutingDecision, error)
}

// Sink accepts routed decisions. Implemented by the dispatcher.
type Sink interface {
	Dispatch(pipelineID string, decision *models.RoutingDecision) dispatch.Result
}

// Poller drives the discovery loop. One instance per process.
type Poller struct {
	forge    *forge.Client
	store    *pipeline.Store
	gateway  Gateway
	sink     Sink
	metrics  *metrics.Metrics
	cfg      *config.PollerConfig
	identity string
	logger   *slog.Logger
}

// New wires the poller. identity is the bot identity whose claim label and
// assignments identify this deployment's work.
func New(fc *forge.Client, store *pipeline.Store, gateway Gateway, sink Sink, m *metrics.Metrics, cfg *config.PollerConfig, identity string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		forge:    fc,
		store:    store,
		gateway:  gateway,
		sink:     sink,
		metrics:  m,
		cfg:      cfg,
		identity: identity,
		logger:   logger.With("component", "poller"),
	}
}

// Run polls until the context is cancelled. The first poll happens
// immediately; subsequent polls wait interval ± jitter so co-deployed
// pollers spread out.
func (p *Poller) Run(ctx context.Context) error {
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.nextInterval()):
		}
	}
}

func (p *Poller) nextInterval() time.Duration {
	interval := p.cfg.Interval
	if p.cfg.IntervalJitter > 0 {
		interval += time.Duration(rand.Int63n(int64(2*p.cfg.IntervalJitter))) - p.cfg.IntervalJitter
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// PollOnce runs one discovery pass over every configured repository,
// processing eligible issues sequentially, oldest first.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, repo := range p.cfg.Repos {
		issues, err := p.discover(ctx, repo)
		if err != nil {
			p.logger.Warn("discovery failed", "repo", repo, "error", err)
			continue
		}
		for i := range issues {
			if ctx.Err() != nil {
				return
			}
			p.processIssue(ctx, &issues[i])
		}
	}
}

// discover lists agent-ready and bot-assigned open issues, deduplicated and
// ordered oldest first.
func (p *Poller) discover(ctx context.Context, repo string) ([]models.Issue, error) {
	labeled, err := p.forge.ListIssues(ctx, p.identity, repo, forge.IssueFilter{Labels: []string{models.LabelAgentReady}})
	if err != nil {
		return nil, err
	}
	assigned, err := p.forge.ListIssues(ctx, p.identity, repo, forge.IssueFilter{Assignee: p.identity})
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(labeled))
	out := labeled
	for _, iss := range labeled {
		seen[iss.Ref.Number] = true
	}
	for _, iss := range assigned {
		if !seen[iss.Ref.Number] {
			out = append(out, iss)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if p.metrics != nil {
		p.metrics.IssuesDiscovered.Add(float64(len(out)))
	}
	return out, nil
}

// processIssue applies the skip rules, then runs the claim protocol and
// hands a won claim to the gateway and the dispatcher.
func (p *Poller) processIssue(ctx context.Context, issue *models.Issue) {
	if reason := p.skipReason(issue); reason != "" {
		p.logger.Debug("skipping issue", "issue", issue.Ref, "reason", reason)
		return
	}

	claimed, err := p.claim(ctx, issue)
	if err != nil {
		p.logger.Warn("claim attempt failed", "issue", issue.Ref, "error", err)
		return
	}
	if !claimed {
		if p.metrics != nil {
			p.metrics.ClaimsLost.Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.ClaimsWon.Inc()
	}

	rec, err := p.store.Create(issue.Ref)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return
		}
		p.logger.Error("creating pipeline record", "issue", issue.Ref, "error", err)
		return
	}

	decision, err := p.gateway.Route(ctx, rec.ID, issue)
	if err != nil {
		p.logger.Error("gateway routing failed", "issue", issue.Ref, "error", err)
		if ferr := p.store.RecordFailure(rec.ID, err); ferr != nil {
			p.logger.Error("recording routing failure", "pipeline_id", rec.ID, "error", ferr)
		}
		return
	}

	result := p.sink.Dispatch(rec.ID, decision)
	if !result.Accepted {
		p.logger.Warn("dispatch rejected", "issue", issue.Ref, "reason", result.Reason)
		cause := fmt.Errorf("%w: dispatch rejected: %s", models.ErrAgentError, result.Reason)
		if ferr := p.store.RecordFailure(rec.ID, cause); ferr != nil {
			p.logger.Error("recording dispatch rejection", "pipeline_id", rec.ID, "error", ferr)
		}
	}
}

// skipReason returns a non-empty reason when the issue must not be claimed.
func (p *Poller) skipReason(issue *models.Issue) string {
	if issue.IsPR {
		return "is a pull request"
	}
	if issue.State != "" && issue.State != "open" {
		return "not open"
	}
	for _, l := range skipLabels {
		if issue.HasLabel(l) {
			return "carries " + l
		}
	}
	for _, l := range issue.Labels {
		if strings.HasPrefix(l, models.LabelClaimPrefix) {
			return "already claimed: " + l
		}
	}
	if _, active := p.store.ActiveForIssue(issue.Ref); active {
		return "pipeline already active"
	}
	return ""
}

// claim runs the claim protocol: add our claim label, refetch, and verify
// no competitor claimed concurrently. A contested claim is resolved by
// comparing label names, so both sides reach the same verdict without
// coordination; the loser withdraws its label.
func (p *Poller) claim(ctx context.Context, issue *models.Issue) (bool, error) {
	ourLabel := models.ClaimLabel(p.identity)

	if err := p.forge.AddLabel(ctx, p.identity, issue.Ref, ourLabel); err != nil {
		return false, err
	}

	fresh, err := p.forge.GetIssue(ctx, p.identity, issue.Ref)
	if err != nil {
		return false, err
	}
	for _, l := range fresh.Labels {
		if strings.HasPrefix(l, models.LabelClaimPrefix) && l != ourLabel && l < ourLabel {
			p.logger.Info("claim contested, withdrawing", "issue", issue.Ref, "competitor", l)
			if rerr := p.forge.RemoveLabel(ctx, p.identity, issue.Ref, ourLabel); rerr != nil {
				p.logger.Warn("withdrawing contested claim", "issue", issue.Ref, "error", rerr)
			}
			return false, nil
		}
	}
	return true, nil
}

// ReleaseClaim removes the bot's claim label, freeing the issue for a later
// poll. Used when a pipeline is abandoned.
func (p *Poller) ReleaseClaim(ctx context.Context, issue models.IssueRef) error {
	return p.forge.RemoveLabel(ctx, p.identity, issue, models.ClaimLabel(p.identity))
}
