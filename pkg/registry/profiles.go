package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agent-forge/agent-forge/pkg/models"
)

// profileFile is the YAML shape of one agent profile on disk.
type profileFile struct {
	AgentID          string   `yaml:"agent_id"`
	Role             string   `yaml:"role"`
	Provider         string   `yaml:"provider"`
	Model            string   `yaml:"model"`
	Capabilities     []string `yaml:"capabilities"`
	Lifecycle        string   `yaml:"lifecycle"`
	ConcurrencyLimit int      `yaml:"concurrency_limit"`
	ForgeIdentity    string   `yaml:"forge_identity"`
}

// LoadProfiles reads every *.yaml profile in dir. A malformed or invalid
// profile fails the whole load so a bad edit cannot silently drop an agent.
func LoadProfiles(dir string) (map[string]models.AgentProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile dir %s: %w", dir, err)
	}

	profiles := make(map[string]models.AgentProfile)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading profile %s: %w", path, err)
		}
		var pf profileFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("parsing profile %s: %w", path, err)
		}
		profile, err := pf.validate(path)
		if err != nil {
			return nil, err
		}
		if _, dup := profiles[profile.AgentID]; dup {
			return nil, fmt.Errorf("profile %s: duplicate agent_id %q", path, profile.AgentID)
		}
		profiles[profile.AgentID] = profile
	}
	return profiles, nil
}

func (pf *profileFile) validate(path string) (models.AgentProfile, error) {
	var zero models.AgentProfile
	if pf.AgentID == "" {
		return zero, fmt.Errorf("profile %s: agent_id is required", path)
	}
	role := models.AgentRole(pf.Role)
	if !models.ValidRole(role) {
		return zero, fmt.Errorf("profile %s: unknown role %q", path, pf.Role)
	}
	if pf.Provider == "" || pf.Model == "" {
		return zero, fmt.Errorf("profile %s: provider and model are required", path)
	}
	lifecycle := models.Lifecycle(pf.Lifecycle)
	switch lifecycle {
	case models.LifecycleAlwaysOn, models.LifecycleOnDemand:
	case "":
		lifecycle = models.LifecycleOnDemand
	default:
		return zero, fmt.Errorf("profile %s: unknown lifecycle %q", path, pf.Lifecycle)
	}
	limit := pf.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	if pf.ForgeIdentity == "" {
		return zero, fmt.Errorf("profile %s: forge_identity is required", path)
	}
	return models.AgentProfile{
		AgentID:          pf.AgentID,
		Role:             role,
		Provider:         pf.Provider,
		Model:            pf.Model,
		Capabilities:     pf.Capabilities,
		Lifecycle:        lifecycle,
		ConcurrencyLimit: limit,
		ForgeIdentity:    pf.ForgeIdentity,
	}, nil
}
