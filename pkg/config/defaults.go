package config

import "time"

// DefaultConfig returns the built-in defaults. User YAML is merged on top;
// non-zero user values override.
func DefaultConfig() *Config {
	return &Config{
		Forge: &ForgeConfig{
			BaseURL:        "https://api.github.com",
			BotIdentity:    "forge-bot",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			ReadsPerSecond: 2,
			BaseBranch:     "main",
		},
		Poller: &PollerConfig{
			Interval:       300 * time.Second,
			IntervalJitter: 15 * time.Second,
			ClaimTTL:       60 * time.Minute,
		},
		RateLimits: &RateLimitConfig{
			Ops: map[string]OpLimit{
				"issue_comment": {PerMinute: 3, PerHour: 30, PerDay: 200, Cooldown: 10 * time.Second},
				"issue_create":  {PerMinute: 2, PerHour: 15, PerDay: 60, Cooldown: 15 * time.Second},
				"issue_update":  {PerMinute: 5, PerHour: 60, PerDay: 300, Cooldown: 5 * time.Second},
				"pr_create":     {PerMinute: 1, PerHour: 10, PerDay: 40, Cooldown: 30 * time.Second},
				"pr_comment":    {PerMinute: 3, PerHour: 30, PerDay: 200, Cooldown: 10 * time.Second},
				"pr_update":     {PerMinute: 5, PerHour: 60, PerDay: 300, Cooldown: 5 * time.Second},
				"pr_merge":      {PerMinute: 1, PerHour: 10, PerDay: 30, Cooldown: 30 * time.Second},
				"branch_create": {PerMinute: 2, PerHour: 20, PerDay: 80, Cooldown: 10 * time.Second},
			},
			BurstCap:        10,
			MaxDuplicates:   2,
			SafetyThreshold: 500,
			EventLogSize:    4096,
		},
		Registry: &RegistryConfig{
			ProfileDir:         "./deploy/agents",
			ConcurrencyCeiling: 1,
			HeartbeatInterval:  30 * time.Second,
			IdleTimeout:        5 * time.Minute,
			WatchProfiles:      true,
		},
		Pipeline: &PipelineConfig{
			StateFile:      "./data/pipelines.json",
			MaxAttempts:    3,
			BackoffBase:    30 * time.Second,
			BackoffCap:     10 * time.Minute,
			AnalyzeTimeout: 60 * time.Second,
			ExecuteTimeout: 30 * time.Minute,
			ReviewTimeout:  10 * time.Minute,
			SweepInterval:  1 * time.Minute,
		},
		Workspace: &WorkspaceConfig{
			Root: "./data/workspaces",
		},
		Accounts: &AccountsConfig{
			SecretDir: "./deploy/secrets",
		},
		LLM: &LLMConfig{
			Providers:          map[string]LLMProvider{},
			CoordinatorTimeout: 30 * time.Second,
			CoordinatorModel:   "claude-sonnet-4-5",
		},
		Server: &ServerConfig{
			Addr:                    ":8080",
			GracefulShutdownTimeout: 30 * time.Second,
		},
	}
}
