// Package bus is the in-process monitoring bus: a multi-producer,
// multi-consumer stream of structured component events consumed by the
// control-plane API, the websocket fan-out, and the log shipper.
//
// Producers never block on slow observers: each subscriber has a bounded
// queue, and a subscriber that falls behind is dropped, not waited on.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueDepth bounds each subscriber's queue.
const DefaultQueueDepth = 1000

// EventType is the closed set of bus event types.
type EventType string

// Event types.
const (
	EventAgentUpdate        EventType = "agent_update"
	EventPipelineTransition EventType = "pipeline_transition"
	EventLogEntry           EventType = "log_entry"
	EventRateLimit          EventType = "rate_limit_event"
	EventHealthTick         EventType = "health_tick"
)

// Event is one bus message. Payload is a JSON-serializable snapshot; it must
// not be mutated after publishing.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// AgentUpdatePayload reports an agent instance state change.
type AgentUpdatePayload struct {
	AgentID    string `json:"agent_id"`
	InstanceID string `json:"instance_id"`
	Role       string `json:"role"`
	State      string `json:"state"`
	Task       string `json:"task,omitempty"`
}

// PipelineTransitionPayload reports a pipeline phase change.
type PipelineTransitionPayload struct {
	PipelineID string `json:"pipeline_id"`
	Issue      string `json:"issue"`
	From       string `json:"from"`
	To         string `json:"to"`
	Error      string `json:"error,omitempty"`
}

// RateLimitPayload reports an admitted or denied forge operation.
type RateLimitPayload struct {
	Kind    string `json:"kind"`
	Target  string `json:"target"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// HealthTickPayload is the periodic per-component liveness report.
type HealthTickPayload struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type subscriber struct {
	id string
	ch chan Event
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	queueDepth int

	mu      sync.RWMutex
	subs    map[string]*subscriber
	dropped int
}

// New creates a bus with the given per-subscriber queue depth; depth <= 0
// uses DefaultQueueDepth.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{
		queueDepth: queueDepth,
		subs:       make(map[string]*subscriber),
	}
}

// Subscribe registers a consumer. The returned channel is closed when the
// subscriber is cancelled or dropped for falling behind. cancel is
// idempotent.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		id: uuid.New().String(),
		ch: make(chan Event, b.queueDepth),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.remove(s.id, false) })
	}
	return s.ch, cancel
}

// Publish delivers the event to every subscriber. Never blocks: a subscriber
// whose queue is full is dropped and its channel closed.
func (b *Bus) Publish(t EventType, payload any) {
	ev := Event{Type: t, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	var full []string
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			full = append(full, s.id)
		}
	}
	b.mu.RUnlock()

	for _, id := range full {
		b.remove(id, true)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many subscribers have been dropped for falling behind.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Bus) remove(id string, slow bool) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		if slow {
			b.dropped++
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	close(s.ch)
	if slow {
		slog.Warn("Dropped slow monitoring-bus subscriber",
			"subscriber_id", id, "queue_depth", b.queueDepth)
	}
}
