// Package registry manages the fleet of agent instances: profile loading,
// lifecycle (always-on vs on-demand), slot accounting against per-profile
// limits and the global concurrency ceiling, and heartbeat supervision.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/agent-forge/agent-forge/pkg/bus"
	"github.com/agent-forge/agent-forge/pkg/config"
	"github.com/agent-forge/agent-forge/pkg/metrics"
	"github.com/agent-forge/agent-forge/pkg/models"
)

// AcquireResult reports the outcome of an Acquire call.
type AcquireResult string

// Acquire outcomes.
const (
	Acquired      AcquireResult = "acquired"
	Busy          AcquireResult = "busy"
	NoneAvailable AcquireResult = "none_available"
)

// Instance is one live agent instance. State is owned by the registry;
// callers hold the instance only between Acquire and Release.
type Instance struct {
	ID      string
	Profile models.AgentProfile

	state         models.InstanceState
	task          string
	lastHeartbeat time.Time
	startedAt     time.Time
}

// InstanceInfo is a read-only snapshot of an instance for the API layer.
type InstanceInfo struct {
	ID            string               `json:"id"`
	AgentID       string               `json:"agent_id"`
	Role          models.AgentRole     `json:"role"`
	State         models.InstanceState `json:"state"`
	Task          string               `json:"task,omitempty"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
}

// Registry tracks profiles and instances. Safe for concurrent use.
type Registry struct {
	cfg     *config.RegistryConfig
	monitor *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	profiles  map[string]models.AgentProfile
	instances map[string]*Instance

	now func() time.Time
}

// New loads profiles from the configured directory and boots an idle
// instance for every always-on profile.
func New(cfg *config.RegistryConfig, monitor *bus.Bus, m *metrics.Metrics, logger *slog.Logger) (*Registry, error) {
	profiles, err := LoadProfiles(cfg.ProfileDir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		cfg:       cfg,
		monitor:   monitor,
		metrics:   m,
		logger:    logger.With("component", "registry"),
		profiles:  profiles,
		instances: make(map[string]*Instance),
		now:       time.Now,
	}

	r.mu.Lock()
	for _, p := range profiles {
		if p.Lifecycle == models.LifecycleAlwaysOn {
			r.spawnLocked(p)
		}
	}
	r.mu.Unlock()

	return r, nil
}

// spawnLocked creates an idle instance for the profile. Caller holds r.mu.
func (r *Registry) spawnLocked(p models.AgentProfile) *Instance {
	inst := &Instance{
		ID:            uuid.NewString(),
		Profile:       p,
		state:         models.InstanceIdle,
		lastHeartbeat: r.now(),
		startedAt:     r.now(),
	}
	r.instances[inst.ID] = inst
	r.publishLocked(inst)
	return inst
}

// Acquire finds or creates an instance of the given role whose profile covers
// every requested capability, and marks it working on the task.
func (r *Registry) Acquire(role models.AgentRole, capabilities []string, task string) (*Instance, AcquireResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matching := r.matchingProfilesLocked(role, capabilities)
	if len(matching) == 0 {
		return nil, NoneAvailable
	}

	if r.workingLocked() >= r.cfg.ConcurrencyCeiling {
		return nil, Busy
	}

	// Prefer an existing idle instance over spawning a new one.
	for _, p := range matching {
		for _, inst := range r.instances {
			if inst.Profile.AgentID == p.AgentID && inst.state == models.InstanceIdle {
				r.markWorkingLocked(inst, task)
				return inst, Acquired
			}
		}
	}

	for _, p := range matching {
		if p.Lifecycle != models.LifecycleOnDemand {
			continue
		}
		if r.instanceCountLocked(p.AgentID) >= p.ConcurrencyLimit {
			continue
		}
		inst := r.spawnLocked(p)
		r.markWorkingLocked(inst, task)
		return inst, Acquired
	}

	return nil, Busy
}

// Release returns a working or errored instance to idle.
func (r *Registry) Release(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return
	}
	if inst.state == models.InstanceWorking && r.metrics != nil {
		r.metrics.AgentsWorking.Dec()
	}
	inst.state = models.InstanceIdle
	inst.task = ""
	inst.lastHeartbeat = r.now()
	r.publishLocked(inst)
}

// Heartbeat refreshes an instance's liveness timestamp.
func (r *Registry) Heartbeat(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[instanceID]; ok {
		inst.lastHeartbeat = r.now()
	}
}

// MarkError transitions a working instance to the error state and frees its
// concurrency slot. The instance stays visible until a supervisor Reset.
func (r *Registry) MarkError(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok || inst.state == models.InstanceError {
		return
	}
	if inst.state == models.InstanceWorking && r.metrics != nil {
		r.metrics.AgentsWorking.Dec()
	}
	inst.state = models.InstanceError
	inst.task = ""
	inst.lastHeartbeat = r.now()
	r.publishLocked(inst)
}

// Reset recovers an errored instance back to idle.
func (r *Registry) Reset(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return fmt.Errorf("unknown instance %s", instanceID)
	}
	if inst.state != models.InstanceError {
		return fmt.Errorf("instance %s is %s, not error", instanceID, inst.state)
	}
	inst.state = models.InstanceIdle
	inst.task = ""
	inst.lastHeartbeat = r.now()
	r.publishLocked(inst)
	return nil
}

// Snapshot lists all instances for the API layer.
func (r *Registry) Snapshot() []InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, InstanceInfo{
			ID:            inst.ID,
			AgentID:       inst.Profile.AgentID,
			Role:          inst.Profile.Role,
			State:         inst.state,
			Task:          inst.task,
			LastHeartbeat: inst.lastHeartbeat,
		})
	}
	return out
}

// Profiles returns the loaded profiles keyed by agent ID.
func (r *Registry) Profiles() map[string]models.AgentProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.AgentProfile, len(r.profiles))
	for k, v := range r.profiles {
		out[k] = v
	}
	return out
}

// Run drives the heartbeat watchdog, the idle sweeper, and (when enabled)
// the profile hot-reload watcher until the context is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var watcher *fsnotify.Watcher
	var watchEvents <-chan fsnotify.Event
	var watchErrors <-chan error
	if r.cfg.WatchProfiles {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("starting profile watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(r.cfg.ProfileDir); err != nil {
			return fmt.Errorf("watching %s: %w", r.cfg.ProfileDir, err)
		}
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		case ev := <-watchEvents:
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Remove) {
				r.reloadProfiles()
			}
		case err := <-watchErrors:
			r.logger.Warn("profile watcher error", "error", err)
		}
	}
}

// sweep marks stale working instances as errored, recovers errored instances
// after a cooling-off period, and tears down on-demand instances that have
// sat idle past the timeout.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	staleAfter := 3 * r.cfg.HeartbeatInterval
	resetAfter := 2 * r.cfg.HeartbeatInterval

	for id, inst := range r.instances {
		switch inst.state {
		case models.InstanceWorking:
			if now.Sub(inst.lastHeartbeat) > staleAfter {
				r.logger.Warn("instance heartbeat stale, marking errored",
					"instance_id", id, "agent_id", inst.Profile.AgentID,
					"last_heartbeat", inst.lastHeartbeat)
				if r.metrics != nil {
					r.metrics.AgentsWorking.Dec()
				}
				inst.state = models.InstanceError
				inst.task = ""
				inst.lastHeartbeat = now
				r.publishLocked(inst)
			}
		case models.InstanceError:
			// Errored instances must not consume slots forever. After the
			// cooling-off period on-demand instances are retired, freeing
			// their profile slot; always-on instances return to idle.
			if now.Sub(inst.lastHeartbeat) <= resetAfter {
				continue
			}
			if inst.Profile.Lifecycle == models.LifecycleOnDemand {
				r.logger.Info("retiring errored on-demand instance",
					"instance_id", id, "agent_id", inst.Profile.AgentID)
				inst.state = models.InstanceOffline
				r.publishLocked(inst)
				delete(r.instances, id)
				continue
			}
			r.logger.Info("resetting errored instance to idle",
				"instance_id", id, "agent_id", inst.Profile.AgentID)
			inst.state = models.InstanceIdle
			inst.lastHeartbeat = now
			r.publishLocked(inst)
		case models.InstanceIdle:
			if inst.Profile.Lifecycle == models.LifecycleOnDemand &&
				r.cfg.IdleTimeout > 0 && now.Sub(inst.lastHeartbeat) > r.cfg.IdleTimeout {
				r.logger.Debug("tearing down idle on-demand instance",
					"instance_id", id, "agent_id", inst.Profile.AgentID)
				inst.state = models.InstanceOffline
				r.publishLocked(inst)
				delete(r.instances, id)
			}
		}
	}
}

// reloadProfiles re-reads the profile directory. On parse failure the
// previous profile set stays in effect.
func (r *Registry) reloadProfiles() {
	profiles, err := LoadProfiles(r.cfg.ProfileDir)
	if err != nil {
		r.logger.Warn("profile reload failed, keeping previous set", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = profiles
	for _, p := range profiles {
		if p.Lifecycle == models.LifecycleAlwaysOn && r.instanceCountLocked(p.AgentID) == 0 {
			r.spawnLocked(p)
		}
	}
	r.logger.Info("profiles reloaded", "count", len(profiles))
}

func (r *Registry) matchingProfilesLocked(role models.AgentRole, capabilities []string) []models.AgentProfile {
	var out []models.AgentProfile
	for _, p := range r.profiles {
		if p.Role != role {
			continue
		}
		if !hasAll(p.Capabilities, capabilities) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Registry) workingLocked() int {
	n := 0
	for _, inst := range r.instances {
		if inst.state == models.InstanceWorking {
			n++
		}
	}
	return n
}

func (r *Registry) instanceCountLocked(agentID string) int {
	n := 0
	for _, inst := range r.instances {
		if inst.Profile.AgentID == agentID {
			n++
		}
	}
	return n
}

func (r *Registry) markWorkingLocked(inst *Instance, task string) {
	inst.state = models.InstanceWorking
	inst.task = task
	inst.lastHeartbeat = r.now()
	if r.metrics != nil {
		r.metrics.AgentsWorking.Inc()
	}
	r.publishLocked(inst)
}

func (r *Registry) publishLocked(inst *Instance) {
	if r.monitor == nil {
		return
	}
	r.monitor.Publish(bus.EventAgentUpdate, bus.AgentUpdatePayload{
		AgentID:    inst.Profile.AgentID,
		InstanceID: inst.ID,
		Role:       string(inst.Profile.Role),
		State:      string(inst.state),
		Task:       inst.task,
	})
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
