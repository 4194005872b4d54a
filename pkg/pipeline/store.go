// Package pipeline owns the lifecycle records of in-flight issue
// resolutions: phase transitions, retry scheduling with exponential backoff,
// and crash-safe persistence to a single JSON state file.
package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-forge/agent-forge/pkg/bus"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/metrics"
	"github.com/agent-forge/agent-forge/pkg/models"
)

// allowedTransitions is the closed set of legal phase changes. executing may
// return to analyzed when an agent escalates and the gateway issues a fresh
// decision for re-dispatch.
var allowedTransitions = map[models.PipelinePhase][]models.PipelinePhase{
	models.PhaseClaimed:    {models.PhaseAnalyzed, models.PhaseFailed, models.PhaseAbandoned},
	models.PhaseAnalyzed:   {models.PhaseDispatched, models.PhaseFailed, models.PhaseAbandoned},
	models.PhaseDispatched: {models.PhaseExecuting, models.PhaseFailed, models.PhaseAbandoned},
	models.PhaseExecuting:  {models.PhaseReviewing, models.PhaseAnalyzed, models.PhaseFailed, models.PhaseAbandoned},
	models.PhaseReviewing:  {models.PhaseMerged, models.PhaseFailed, models.PhaseAbandoned},
	models.PhaseFailed:     {models.PhaseDispatched, models.PhaseAbandoned},
}

// statePayload is the on-disk shape of the store.
type statePayload struct {
	Records []recordState `json:"records"`
}

type recordState struct {
	Record  models.PipelineRecord `json:"record"`
	RetryAt *time.Time            `json:"retry_at,omitempty"`
}

// Store holds all pipeline records. Safe for concurrent use. Every mutation
// is persisted before it returns.
type Store struct {
	cfg     *config.PipelineConfig
	monitor *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	records map[string]*models.PipelineRecord
	retryAt map[string]time.Time

	// onAbandon, when set, runs after any transition into abandoned, outside
	// the store lock, with a copy of the final record. The supervisor uses it
	// to post the explanatory comment and release the claim label.
	onAbandon func(models.PipelineRecord)

	now func() time.Time
}

// SetAbandonHook registers the abandon callback. Set once during wiring,
// before any transition can abandon a record.
func (s *Store) SetAbandonHook(hook func(models.PipelineRecord)) {
	s.onAbandon = hook
}

// NewStore loads the state file if present. A missing file is an empty
// store; a corrupt file is an error so operators notice before records are
// silently lost.
func NewStore(cfg *config.PipelineConfig, monitor *bus.Bus, m *metrics.Metrics, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:     cfg,
		monitor: monitor,
		metrics: m,
		logger:  logger.With("component", "pipeline"),
		records: make(map[string]*models.PipelineRecord),
		retryAt: make(map[string]time.Time),
		now:     time.Now,
	}

	data, err := os.ReadFile(cfg.StateFile)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pipeline state %s: %w", cfg.StateFile, err)
	}
	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing pipeline state %s: %w", cfg.StateFile, err)
	}
	for i := range payload.Records {
		rec := payload.Records[i].Record
		s.records[rec.ID] = &rec
		if payload.Records[i].RetryAt != nil {
			s.retryAt[rec.ID] = *payload.Records[i].RetryAt
		}
	}
	s.logger.Info("pipeline state loaded", "records", len(s.records))
	return s, nil
}

// Create opens a new record in the claimed phase. An existing non-terminal
// record for the same issue is a conflict: one pipeline per issue at a time.
func (s *Store) Create(issue models.IssueRef) (*models.PipelineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.Issue == issue && !rec.Phase.Terminal() {
			return nil, fmt.Errorf("%w: pipeline %s already active for %s", models.ErrConflict, rec.ID, issue)
		}
	}

	now := s.now()
	rec := &models.PipelineRecord{
		ID:        uuid.NewString(),
		Issue:     issue,
		Phase:     models.PhaseClaimed,
		StartedAt: now,
		UpdatedAt: now,
	}
	s.records[rec.ID] = rec
	if s.metrics != nil {
		s.metrics.PipelinesActive.Inc()
	}
	s.publishLocked(rec, "", models.PhaseClaimed)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	out := *rec
	return &out, nil
}

// Transition moves a record to a new phase. mutate, if non-nil, edits the
// record under the store lock before persistence (set decision, agent, or
// error text). Illegal transitions are rejected.
func (s *Store) Transition(id string, to models.PipelinePhase, mutate func(*models.PipelineRecord)) error {
	s.mu.Lock()

	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown pipeline %s", id)
	}
	if !legalTransition(rec.Phase, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: pipeline %s cannot move %s -> %s", models.ErrConflict, id, rec.Phase, to)
	}

	from := rec.Phase
	rec.Phase = to
	rec.UpdatedAt = s.now()
	if mutate != nil {
		mutate(rec)
	}
	if to != models.PhaseFailed {
		delete(s.retryAt, id)
	}
	if to.Terminal() && s.metrics != nil {
		s.metrics.PipelinesActive.Dec()
	}
	if s.metrics != nil {
		s.metrics.PipelineTransitions.WithLabelValues(string(to)).Inc()
	}
	s.publishLocked(rec, from, to)
	err := s.persistLocked()
	snapshot := *rec
	s.mu.Unlock()

	if to == models.PhaseAbandoned && s.onAbandon != nil {
		s.onAbandon(snapshot)
	}
	return err
}

// RecordFailure marks a failed attempt. Retryable causes below the attempt
// cap schedule a retry with exponential backoff; everything else abandons
// the pipeline immediately.
func (s *Store) RecordFailure(id string, cause error) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown pipeline %s", id)
	}
	attempts := rec.Attempts + 1
	retryable := models.Retryable(cause) && attempts < s.cfg.MaxAttempts
	s.mu.Unlock()

	if retryable {
		delay := backoff(s.cfg.BackoffBase, s.cfg.BackoffCap, attempts)
		return s.Transition(id, models.PhaseFailed, func(r *models.PipelineRecord) {
			r.Attempts = attempts
			r.Error = cause.Error()
			s.retryAt[r.ID] = s.now().Add(delay)
		})
	}
	return s.Transition(id, models.PhaseAbandoned, func(r *models.PipelineRecord) {
		r.Attempts = attempts
		r.Error = cause.Error()
	})
}

// DueRetries returns failed pipelines whose backoff has elapsed, oldest
// first. Callers transition each back to dispatched when they re-queue it.
func (s *Store) DueRetries() []models.PipelineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []models.PipelineRecord
	for id, at := range s.retryAt {
		rec, ok := s.records[id]
		if !ok || rec.Phase != models.PhaseFailed {
			continue
		}
		if !at.After(now) {
			due = append(due, *rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	return due
}

// AbandonStale abandons non-terminal records that have not progressed within
// ttl. Run at boot so records orphaned by a crash do not block their issues
// forever; returns the abandoned records so the caller can release claims.
func (s *Store) AbandonStale(ttl time.Duration) []models.PipelineRecord {
	s.mu.Lock()
	cutoff := s.now().Add(-ttl)
	var staleIDs []string
	for id, rec := range s.records {
		if !rec.Phase.Terminal() && rec.UpdatedAt.Before(cutoff) {
			staleIDs = append(staleIDs, id)
		}
	}
	s.mu.Unlock()

	var abandoned []models.PipelineRecord
	for _, id := range staleIDs {
		err := s.Transition(id, models.PhaseAbandoned, func(r *models.PipelineRecord) {
			r.Error = "abandoned at startup: no progress within claim ttl"
		})
		if err != nil {
			s.logger.Warn("failed to abandon stale pipeline", "pipeline_id", id, "error", err)
			continue
		}
		if rec, ok := s.Get(id); ok {
			abandoned = append(abandoned, *rec)
		}
	}
	return abandoned
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (*models.PipelineRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	out := *rec
	return &out, true
}

// ActiveForIssue returns the non-terminal record for the issue, if any.
func (s *Store) ActiveForIssue(issue models.IssueRef) (*models.PipelineRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Issue == issue && !rec.Phase.Terminal() {
			out := *rec
			return &out, true
		}
	}
	return nil, false
}

// List returns copies of all records, most recently updated first.
func (s *Store) List() []models.PipelineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PipelineRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// MarkEscalated sets the once-only escalation flag.
func (s *Store) MarkEscalated(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("unknown pipeline %s", id)
	}
	rec.Escalated = true
	rec.UpdatedAt = s.now()
	return s.persistLocked()
}

// persistLocked writes the whole store atomically: marshal, write to a temp
// file in the same directory, fsync, rename over the state file.
func (s *Store) persistLocked() error {
	payload := statePayload{Records: make([]recordState, 0, len(s.records))}
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rs := recordState{Record: *s.records[id]}
		if at, ok := s.retryAt[id]; ok {
			t := at
			rs.RetryAt = &t
		}
		payload.Records = append(payload.Records, rs)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pipeline state: %w", err)
	}

	dir := filepath.Dir(s.cfg.StateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pipeline-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing pipeline state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing pipeline state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing pipeline state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.StateFile); err != nil {
		return fmt.Errorf("replacing pipeline state: %w", err)
	}
	return nil
}

func (s *Store) publishLocked(rec *models.PipelineRecord, from, to models.PipelinePhase) {
	if s.monitor == nil {
		return
	}
	s.monitor.Publish(bus.EventPipelineTransition, bus.PipelineTransitionPayload{
		PipelineID: rec.ID,
		Issue:      rec.Issue.String(),
		From:       string(from),
		To:         string(to),
		Error:      rec.Error,
	})
}

func legalTransition(from, to models.PipelinePhase) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// backoff computes the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
