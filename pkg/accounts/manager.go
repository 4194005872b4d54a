// Package accounts resolves named forge identities to credentials and
// per-identity capability sets. Credentials are loaded once at boot from the
// secret store and are never logged.
package accounts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Capability tags an action an identity is allowed to perform.
type Capability string

// Capabilities.
const (
	CapComment   Capability = "comment"
	CapOpenPR    Capability = "open_pr"
	CapMerge     Capability = "merge"
	CapLabel     Capability = "label"
	CapOpenIssue Capability = "open_issue"
	CapBranch    Capability = "branch"
)

// Identity is one resolved forge identity.
type Identity struct {
	Name         string
	DisplayName  string
	Email        string
	capabilities map[Capability]bool
	credential   string
}

// Credential returns the raw credential string. Callers must not log it.
func (i *Identity) Credential() string { return i.credential }

// Can reports whether the identity holds the capability.
func (i *Identity) Can(c Capability) bool { return i.capabilities[c] }

// Manager maps identity names to resolved identities. Read-only after Load.
type Manager struct {
	identities map[string]*Identity
}

// defaultCapabilities is the capability set granted when no restriction file
// accompanies the credential. Merge is deliberately excluded; it must be
// granted explicitly.
var defaultCapabilities = []Capability{CapComment, CapOpenPR, CapLabel, CapOpenIssue, CapBranch}

// Load reads the secret store: one file per identity, contents = raw
// credential. An optional "<name>.caps" sibling lists granted capabilities,
// one per line. Files must not be group/world readable.
func Load(secretDir string) (*Manager, error) {
	entries, err := os.ReadDir(secretDir)
	if err != nil {
		return nil, fmt.Errorf("reading secret dir %s: %w", secretDir, err)
	}

	m := &Manager{identities: make(map[string]*Identity)}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".caps") {
			continue
		}
		path := filepath.Join(secretDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("secret file %s has permissions %04o, want 0600", path, info.Mode().Perm())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading secret %s: %w", path, err)
		}
		credential := strings.TrimSpace(string(data))
		if credential == "" {
			return nil, fmt.Errorf("secret file %s is empty", path)
		}

		name := entry.Name()
		id := &Identity{
			Name:         name,
			DisplayName:  name,
			capabilities: make(map[Capability]bool),
			credential:   credential,
		}

		caps, err := loadCapabilities(filepath.Join(secretDir, name+".caps"))
		if err != nil {
			return nil, err
		}
		if caps == nil {
			caps = defaultCapabilities
		}
		for _, c := range caps {
			id.capabilities[c] = true
		}

		m.identities[name] = id
	}

	slog.Info("Loaded forge identities", "count", len(m.identities))
	return m, nil
}

// loadCapabilities parses an optional .caps file. A missing file returns
// (nil, nil) so the default set applies.
func loadCapabilities(path string) ([]Capability, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading capabilities %s: %w", path, err)
	}
	var caps []Capability
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		caps = append(caps, Capability(line))
	}
	return caps, nil
}

// Resolve returns the identity by name.
func (m *Manager) Resolve(name string) (*Identity, error) {
	id, ok := m.identities[name]
	if !ok {
		return nil, fmt.Errorf("unknown forge identity %q", name)
	}
	return id, nil
}

// Can reports whether the named identity holds the capability. Unknown
// identities hold nothing.
func (m *Manager) Can(name string, c Capability) bool {
	id, ok := m.identities[name]
	return ok && id.Can(c)
}

// Names lists the loaded identity names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.identities))
	for n := range m.identities {
		names = append(names, n)
	}
	return names
}
