// Package ratelimit guards every outbound write to the code forge. It admits
// or denies operations under per-kind window quotas, cooldowns, a global
// burst cap, duplicate-content detection, and the forge's own API budget.
//
// Denial is a normal result, not an error: callers decide whether to retry
// later, abandon, or escalate.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/models"
)

// Window constants.
const (
	burstWindow     = 60 * time.Second
	duplicateWindow = time.Hour
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Allow is the admitted decision.
var Allow = Decision{Allowed: true}

// deny builds a denial with a human-readable reason.
func deny(retryAfter time.Duration, format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// Limiter owns the bounded event ring and cached counters. All mutation is
// serialized by a single mutex; Check is a pure query over the log prefix.
type Limiter struct {
	cfg *config.RateLimitConfig

	mu     sync.Mutex
	events []models.RateLimitEvent // ring buffer
	head   int                     // next write position
	count  int                     // valid entries

	lastByKind map[models.OpKind]time.Time

	// Forge API budget view, updated from response headers by the forge
	// client. remaining < 0 means unknown (treated as healthy).
	budgetRemaining int
	budgetReset     time.Time

	denials int

	mirror *os.File

	now func() time.Time
}

// New creates a limiter from configuration. If an event-log mirror path is
// configured it is opened append-only; mirror failures are logged, never
// fatal.
func New(cfg *config.RateLimitConfig) *Limiter {
	l := &Limiter{
		cfg:             cfg,
		events:          make([]models.RateLimitEvent, cfg.EventLogSize),
		lastByKind:      make(map[models.OpKind]time.Time),
		budgetRemaining: -1,
		now:             time.Now,
	}
	if cfg.EventLogMirror != "" {
		f, err := os.OpenFile(cfg.EventLogMirror, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("Could not open rate-limit event mirror, continuing without it",
				"path", cfg.EventLogMirror, "error", err)
		} else {
			l.mirror = f
		}
	}
	return l
}

// Digest returns the content digest used for duplicate detection.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Check decides whether the operation may proceed. It performs no state
// change. Checks run in order: forge budget, cooldown, per-window counters,
// burst cap, duplicate count; the first failing check wins.
//
// api_read is only subject to the budget safety threshold.
func (l *Limiter) Check(kind models.OpKind, target, content string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// 1. Forge API budget.
	if l.budgetRemaining >= 0 && l.budgetRemaining <= l.cfg.SafetyThreshold {
		retry := time.Duration(0)
		if l.budgetReset.After(now) {
			retry = l.budgetReset.Sub(now)
		}
		return deny(retry, "forge API budget low: %d remaining (threshold %d)",
			l.budgetRemaining, l.cfg.SafetyThreshold)
	}
	if kind == models.OpAPIRead {
		return Allow
	}

	// 2. Cooldown since last op of the same kind.
	limit, hasLimit := l.cfg.Ops[string(kind)]
	if hasLimit && limit.Cooldown > 0 {
		if last, ok := l.lastByKind[kind]; ok {
			since := now.Sub(last)
			if since < limit.Cooldown {
				return deny(limit.Cooldown-since, "cooldown for %s: %s since last (need %s)",
					kind, since.Round(time.Millisecond), limit.Cooldown)
			}
		}
	}

	// 3. Per-window counters.
	if hasLimit {
		windows := []struct {
			name  string
			span  time.Duration
			limit int
		}{
			{"minute", time.Minute, limit.PerMinute},
			{"hour", time.Hour, limit.PerHour},
			{"day", 24 * time.Hour, limit.PerDay},
		}
		for _, w := range windows {
			if w.limit <= 0 {
				continue
			}
			n, oldest := l.countWindow(now, w.span, func(e *models.RateLimitEvent) bool {
				return e.Kind == kind
			})
			if n >= w.limit {
				return deny(windowRetry(now, oldest, w.span),
					"%s limit for %s reached: %d/%d in the last %s", w.name, kind, n, w.limit, w.span)
			}
		}
	}

	// 4. Total burst cap across all kinds.
	if l.cfg.BurstCap > 0 {
		n, oldest := l.countWindow(now, burstWindow, func(e *models.RateLimitEvent) bool {
			return e.Kind != models.OpAPIRead
		})
		if n >= l.cfg.BurstCap {
			return deny(windowRetry(now, oldest, burstWindow),
				"burst cap reached: %d operations in the last %s", n, burstWindow)
		}
	}

	// 5. Duplicate content.
	if l.cfg.MaxDuplicates > 0 && content != "" {
		digest := Digest(content)
		n, _ := l.countWindow(now, duplicateWindow, func(e *models.RateLimitEvent) bool {
			return e.Digest == digest
		})
		if n >= l.cfg.MaxDuplicates {
			return deny(0, "duplicate content seen %d times in the last hour (max %d)",
				n, l.cfg.MaxDuplicates)
		}
	}

	return Allow
}

// Record appends a rate-limit event. It must be called exactly once per
// attempted operation, even on failure, so retries never bypass the counters.
func (l *Limiter) Record(kind models.OpKind, target, content string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := models.RateLimitEvent{
		Timestamp: l.now(),
		Kind:      kind,
		Target:    target,
		Digest:    Digest(content),
		Success:   success,
	}
	l.events[l.head] = ev
	l.head = (l.head + 1) % len(l.events)
	if l.count < len(l.events) {
		l.count++
	}
	l.lastByKind[kind] = ev.Timestamp

	if l.mirror != nil {
		if data, err := json.Marshal(ev); err == nil {
			if _, err := l.mirror.Write(append(data, '\n')); err != nil {
				slog.Warn("Rate-limit event mirror write failed", "error", err)
			}
		}
	}
}

// RecordDenial counts a denial for stats. No event is appended: denied
// operations never reached the forge.
func (l *Limiter) RecordDenial(kind models.OpKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.denials++
}

// SetBudget updates the forge API budget view from response headers.
func (l *Limiter) SetBudget(remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgetRemaining = remaining
	l.budgetReset = reset
}

// Snapshot is a read-only aggregate view for monitoring.
type Snapshot struct {
	TotalRecorded   int                   `json:"total_recorded"`
	Denials         int                   `json:"denials"`
	ByKind          map[models.OpKind]int `json:"by_kind"`
	LastMinute      int                   `json:"last_minute"`
	LastHour        int                   `json:"last_hour"`
	BudgetRemaining int                   `json:"budget_remaining"`
	BudgetReset     time.Time             `json:"budget_reset"`
}

// Stats returns aggregates computed from the event log.
func (l *Limiter) Stats() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	snap := Snapshot{
		TotalRecorded:   l.count,
		Denials:         l.denials,
		ByKind:          make(map[models.OpKind]int),
		BudgetRemaining: l.budgetRemaining,
		BudgetReset:     l.budgetReset,
	}
	l.forEach(func(e *models.RateLimitEvent) {
		snap.ByKind[e.Kind]++
		age := now.Sub(e.Timestamp)
		if age <= time.Minute {
			snap.LastMinute++
		}
		if age <= time.Hour {
			snap.LastHour++
		}
	})
	return snap
}

// Close releases the mirror file if open.
func (l *Limiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror != nil {
		err := l.mirror.Close()
		l.mirror = nil
		return err
	}
	return nil
}

// countWindow counts matching events within the window ending now, and
// returns the timestamp of the oldest match. Caller holds l.mu.
func (l *Limiter) countWindow(now time.Time, span time.Duration, match func(*models.RateLimitEvent) bool) (int, time.Time) {
	cutoff := now.Add(-span)
	n := 0
	var oldest time.Time
	l.forEach(func(e *models.RateLimitEvent) {
		if e.Timestamp.Before(cutoff) || !match(e) {
			return
		}
		n++
		if oldest.IsZero() || e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
	})
	return n, oldest
}

// forEach visits every valid ring entry. Caller holds l.mu.
func (l *Limiter) forEach(fn func(*models.RateLimitEvent)) {
	for i := 0; i < l.count; i++ {
		idx := (l.head - l.count + i + len(l.events)) % len(l.events)
		fn(&l.events[idx])
	}
}

// windowRetry computes when the oldest in-window event will age out.
func windowRetry(now, oldest time.Time, span time.Duration) time.Duration {
	if oldest.IsZero() {
		return span
	}
	retry := oldest.Add(span).Sub(now)
	if retry < 0 {
		return 0
	}
	return retry
}
