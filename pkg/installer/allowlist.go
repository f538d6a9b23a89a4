package installer

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// AllowlistEntry is one published "harmless" stderr pattern: a step that
// exits non-zero but whose stderr matches Pattern is classified as info
// under Label, not a failure.
type AllowlistEntry struct {
	Label   string `yaml:"label"`
	Pattern string `yaml:"pattern"`

	compiled *regexp.Regexp
}

// Allowlist is a compiled, ready-to-match set of AllowlistEntry.
type Allowlist struct {
	entries []AllowlistEntry
}

// DefaultAllowlist covers the patterns spec.md §4.3 names explicitly:
// debconf frontend notices, an init system absent inside a container, and
// idempotent "already exists" messages from package managers and
// container engines.
func DefaultAllowlist() *Allowlist {
	al, err := LoadAllowlistYAML([]byte(`
- label: debconf-frontend
  pattern: '(?i)debconf:.*unable to initialize frontend'
- label: no-init-system-in-container
  pattern: '(?i)system has not been booted with systemd'
- label: already-exists
  pattern: '(?i)(already exists|already installed|already present)'
- label: apt-warning
  pattern: '^(?i)warning: .*(apt-key|key is stored in legacy trusted\.gpg)'
`))
	if err != nil {
		// DefaultAllowlist's YAML is a fixed literal; a parse failure here
		// is a programming error, not a runtime condition.
		panic(fmt.Sprintf("installer: default allowlist is malformed: %v", err))
	}
	return al
}

// LoadAllowlistYAML parses a YAML list of AllowlistEntry and compiles
// every pattern, so operators can extend the default set without
// touching Go code.
func LoadAllowlistYAML(data []byte) (*Allowlist, error) {
	var entries []AllowlistEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse allowlist yaml: %w", err)
	}
	for i := range entries {
		re, err := regexp.Compile(entries[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: compile pattern: %w", entries[i].Label, err)
		}
		entries[i].compiled = re
	}
	return &Allowlist{entries: entries}, nil
}

// Classify reports the label of the first allowlist entry whose pattern
// matches stderr, and whether any entry matched at all. A step whose
// stderr doesn't match any entry is treated as a genuine failure by the
// Runner.
func (a *Allowlist) Classify(stderr string) (label string, harmless bool) {
	for _, e := range a.entries {
		if e.compiled.MatchString(stderr) {
			return e.Label, true
		}
	}
	return "", false
}
