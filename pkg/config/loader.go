package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/agent-forge/agent-forge/pkg/models"
)

// configFileName is the single system-config file inside the config dir.
const configFileName = "agent-forge.yaml"

// Initialize loads, merges, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read agent-forge.yaml from configDir (missing file → pure defaults)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn("No config file found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		user := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), user); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := mergeConfig(cfg, user); err != nil {
			return nil, fmt.Errorf("merging %s: %w", path, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"forge_base_url", cfg.Forge.BaseURL,
		"bot_identity", cfg.Forge.BotIdentity,
		"poll_interval", cfg.Poller.Interval,
		"concurrency_ceiling", cfg.Registry.ConcurrencyCeiling,
		"llm_providers", len(cfg.LLM.Providers))

	return cfg, nil
}

// mergeConfig overlays non-zero user values onto the defaults, section by
// section so a partially specified section keeps its remaining defaults.
func mergeConfig(base, user *Config) error {
	sections := []struct {
		dst, src any
	}{
		{base.Forge, user.Forge},
		{base.Poller, user.Poller},
		{base.RateLimits, user.RateLimits},
		{base.Registry, user.Registry},
		{base.Pipeline, user.Pipeline},
		{base.Workspace, user.Workspace},
		{base.Accounts, user.Accounts},
		{base.LLM, user.LLM},
		{base.Server, user.Server},
	}
	for _, s := range sections {
		if s.src == nil || isNilPtr(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return err
		}
	}
	return nil
}

func isNilPtr(v any) bool {
	switch p := v.(type) {
	case *ForgeConfig:
		return p == nil
	case *PollerConfig:
		return p == nil
	case *RateLimitConfig:
		return p == nil
	case *RegistryConfig:
		return p == nil
	case *PipelineConfig:
		return p == nil
	case *WorkspaceConfig:
		return p == nil
	case *AccountsConfig:
		return p == nil
	case *LLMConfig:
		return p == nil
	case *ServerConfig:
		return p == nil
	}
	return false
}

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax to avoid collision with $ in credential strings
// and shell snippets embedded in config values. Missing variables expand to
// empty string; validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// validate performs fail-fast validation with clear error messages.
func validate(cfg *Config) error {
	if cfg.Forge.BaseURL == "" {
		return fmt.Errorf("forge.base_url is required")
	}
	if cfg.Forge.BotIdentity == "" {
		return fmt.Errorf("forge.bot_identity is required")
	}
	if len(cfg.Poller.Repos) == 0 {
		return fmt.Errorf("poller.repos must list at least one repository")
	}
	for _, repo := range cfg.Poller.Repos {
		if !strings.Contains(repo, "/") {
			return fmt.Errorf("poller.repos: %q is not owner/name", repo)
		}
	}
	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %v", cfg.Poller.Interval)
	}
	if cfg.Poller.ClaimTTL <= 0 {
		return fmt.Errorf("poller.claim_ttl must be positive, got %v", cfg.Poller.ClaimTTL)
	}
	if cfg.Registry.ConcurrencyCeiling < 1 {
		return fmt.Errorf("registry.concurrency_ceiling must be at least 1, got %d", cfg.Registry.ConcurrencyCeiling)
	}
	if cfg.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.RateLimits.BurstCap < 1 {
		return fmt.Errorf("rate_limits.burst_cap must be at least 1, got %d", cfg.RateLimits.BurstCap)
	}
	if cfg.RateLimits.EventLogSize < 1 {
		return fmt.Errorf("rate_limits.event_log_size must be at least 1, got %d", cfg.RateLimits.EventLogSize)
	}
	for name := range cfg.RateLimits.Ops {
		if !validOpKind(name) {
			return fmt.Errorf("rate_limits.ops: unknown operation kind %q", name)
		}
	}
	if len(cfg.LLM.Providers) == 0 {
		return fmt.Errorf("llm.providers must define at least one provider")
	}
	for _, name := range cfg.LLM.Fallback {
		if _, ok := cfg.LLM.Providers[name]; !ok {
			return fmt.Errorf("llm.fallback references unknown provider %q", name)
		}
	}
	for name, p := range cfg.LLM.Providers {
		if p.Type != "anthropic" && p.Type != "openai" {
			return fmt.Errorf("llm.providers.%s: unknown type %q", name, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("llm.providers.%s: base_url is required", name)
		}
	}
	return nil
}

func validOpKind(name string) bool {
	for _, k := range models.AllOpKinds {
		if string(k) == name {
			return true
		}
	}
	return false
}
