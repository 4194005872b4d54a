package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/forge"
	"github.com/agent-forge/agent-forge/pkg/models"
	"github.com/agent-forge/agent-forge/pkg/pipeline"
)

// Reviewer closes out reviewing pipelines. Merging always requires an
// explicit approval event unless auto_merge is enabled in the forge config.
type Reviewer struct {
	forge    *forge.Client
	store    *pipeline.Store
	cfg      *config.ForgeConfig
	identity string
	logger   *slog.Logger

	mu  sync.Mutex
	prs map[string]int
}

// NewReviewer wires the reviewer. identity must hold the merge capability
// for merges to succeed.
func NewReviewer(fc *forge.Client, store *pipeline.Store, cfg *config.ForgeConfig, identity string, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{
		forge:    fc,
		store:    store,
		cfg:      cfg,
		identity: identity,
		logger:   logger.With("component", "reviewer"),
		prs:      make(map[string]int),
	}
}

// OnPullRequestReady is called when an executor has opened a PR and the
// pipeline entered reviewing. With auto_merge off (the default) the pipeline
// stays in reviewing until Approve is called.
func (r *Reviewer) OnPullRequestReady(ctx context.Context, pipelineID string, pr *models.PullRequest) error {
	if pr != nil {
		r.mu.Lock()
		r.prs[pipelineID] = pr.Number
		r.mu.Unlock()
	}
	if !r.cfg.AutoMerge {
		r.logger.Info("pull request awaiting approval", "pipeline_id", pipelineID)
		return nil
	}
	return r.Approve(ctx, pipelineID)
}

// Approve is the explicit approval event: merge the PR and complete the
// pipeline. Approving a pipeline without a PR (an orchestration parent)
// just completes it.
func (r *Reviewer) Approve(ctx context.Context, pipelineID string) error {
	rec, ok := r.store.Get(pipelineID)
	if !ok {
		return fmt.Errorf("unknown pipeline %s", pipelineID)
	}
	if rec.Phase != models.PhaseReviewing {
		return fmt.Errorf("%w: pipeline %s is %s, not reviewing", models.ErrConflict, pipelineID, rec.Phase)
	}

	r.mu.Lock()
	prNumber, hasPR := r.prs[pipelineID]
	r.mu.Unlock()
	if hasPR {
		if err := r.forge.MergePullRequest(ctx, r.identity, rec.Issue.Repo, prNumber); err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.prs, pipelineID)
		r.mu.Unlock()
	}

	return r.store.Transition(pipelineID, models.PhaseMerged, nil)
}
