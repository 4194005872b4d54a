// Package config loads and validates the system configuration from a config
// directory: agent-forge.yaml (system settings) plus the agent profile and
// secret directories referenced from it.
package config

import "time"

// Config is the fully resolved system configuration, shared read-only by
// every component after Initialize.
type Config struct {
	configDir string

	Forge      *ForgeConfig     `yaml:"forge"`
	Poller     *PollerConfig    `yaml:"poller"`
	RateLimits *RateLimitConfig `yaml:"rate_limits"`
	Registry   *RegistryConfig  `yaml:"registry"`
	Pipeline   *PipelineConfig  `yaml:"pipeline"`
	Workspace  *WorkspaceConfig `yaml:"workspace"`
	Accounts   *AccountsConfig  `yaml:"accounts"`
	LLM        *LLMConfig       `yaml:"llm"`
	Server     *ServerConfig    `yaml:"server"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// ForgeConfig holds code-forge connection settings.
type ForgeConfig struct {
	// BaseURL is the forge REST API root, e.g. "https://api.github.com".
	BaseURL string `yaml:"base_url"`

	// BotIdentity is the identity name used for claims and bot-assignment
	// discovery. Must exist in the accounts secret store.
	BotIdentity string `yaml:"bot_identity"`

	// RequestTimeout bounds a single HTTP call to the forge.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the in-client retry count for network/5xx failures.
	MaxRetries int `yaml:"max_retries"`

	// ReadsPerSecond paces read calls so polling cannot exhaust the API
	// budget on its own.
	ReadsPerSecond float64 `yaml:"reads_per_second"`

	// AutoMerge enables merging approved PRs without a human approval
	// event. Off by default.
	AutoMerge bool `yaml:"auto_merge"`

	// BaseBranch is the branch agents branch from and target with PRs.
	BaseBranch string `yaml:"base_branch"`
}

// PollerConfig controls the issue discovery loop.
type PollerConfig struct {
	// Repos lists the repositories to poll, "owner/name" each.
	Repos []string `yaml:"repos"`

	// Interval is the base poll interval.
	Interval time.Duration `yaml:"interval"`

	// IntervalJitter randomizes the interval: Interval ± IntervalJitter.
	IntervalJitter time.Duration `yaml:"interval_jitter"`

	// ClaimTTL is how long a claim stays valid without completion.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// OpLimit is the per-operation-kind window quota set.
type OpLimit struct {
	PerMinute int           `yaml:"per_minute"`
	PerHour   int           `yaml:"per_hour"`
	PerDay    int           `yaml:"per_day"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// RateLimitConfig configures the outbound-action guard.
type RateLimitConfig struct {
	// Ops maps operation kind name → window limits. Kinds not listed are
	// unlimited apart from the burst cap and duplicate detection.
	Ops map[string]OpLimit `yaml:"ops"`

	// BurstCap is the max operations of any kind within 60 seconds.
	BurstCap int `yaml:"burst_cap"`

	// MaxDuplicates is how many times identical content may be sent within
	// one hour before further sends are denied.
	MaxDuplicates int `yaml:"max_duplicates"`

	// SafetyThreshold denies all writes once the forge-reported remaining
	// API budget drops to or below this value.
	SafetyThreshold int `yaml:"safety_threshold"`

	// EventLogSize bounds the in-memory event ring.
	EventLogSize int `yaml:"event_log_size"`

	// EventLogMirror, when non-empty, appends every recorded event to this
	// file for post-mortems.
	EventLogMirror string `yaml:"event_log_mirror"`
}

// RegistryConfig controls the agent registry.
type RegistryConfig struct {
	// ProfileDir holds one YAML file per agent profile.
	ProfileDir string `yaml:"profile_dir"`

	// ConcurrencyCeiling is the global cap on working instances. Defaults
	// conservatively to 1 for constrained hardware.
	ConcurrencyCeiling int `yaml:"concurrency_ceiling"`

	// HeartbeatInterval is the expected working-instance heartbeat period.
	// Instances missing heartbeats for 3× this interval transition to error.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// IdleTimeout tears down on-demand instances idle for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// WatchProfiles enables the fsnotify profile-directory watcher.
	WatchProfiles bool `yaml:"watch_profiles"`
}

// PipelineConfig controls the per-issue state machine.
type PipelineConfig struct {
	// StateFile is the atomic-replace JSON persistence path.
	StateFile string `yaml:"state_file"`

	// MaxAttempts bounds execution retries before failed → abandoned.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase and BackoffCap shape the exponential retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`

	// Per-phase hard timeouts; expiry auto-cancels the phase.
	AnalyzeTimeout time.Duration `yaml:"analyze_timeout"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
	ReviewTimeout  time.Duration `yaml:"review_timeout"`

	// SweepInterval is how often the recovery sweep scans for expired
	// claims and stuck records.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WorkspaceConfig controls scratch-directory placement.
type WorkspaceConfig struct {
	// Root is the parent directory for all task workspaces.
	Root string `yaml:"root"`
}

// AccountsConfig locates the secret store.
type AccountsConfig struct {
	// SecretDir holds one 0600 credential file per identity.
	SecretDir string `yaml:"secret_dir"`
}

// LLMProvider describes one provider endpoint.
type LLMProvider struct {
	// Type selects the wire dialect: "anthropic" or "openai".
	Type string `yaml:"type"`

	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the key. The key
	// itself never appears in config files or logs.
	APIKeyEnv string `yaml:"api_key_env"`

	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures providers and the fallback chain.
type LLMConfig struct {
	Providers map[string]LLMProvider `yaml:"providers"`

	// Fallback is the ordered provider chain consulted on unavailability.
	Fallback []string `yaml:"fallback"`

	// CoordinatorTimeout bounds the optional LLM refinement in the gateway;
	// on expiry the gateway falls back to the pure analyzer output.
	CoordinatorTimeout time.Duration `yaml:"coordinator_timeout"`

	// CoordinatorModel is the model the gateway uses for refinement.
	CoordinatorModel string `yaml:"coordinator_model"`
}

// ServerConfig configures the control-plane HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// AllowedWSOrigins restricts websocket upgrades; empty allows same-origin.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// GracefulShutdownTimeout bounds supervisor shutdown waits.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}
