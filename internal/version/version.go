// Package version selects the conductor capability set (config layout and bundled HDK)
// matching the installed conductor binary.
package version

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// Default network endpoints used when the caller supplies none.
const (
	DefaultBootstrapURL = "https://bootstrap.holo.host"
	DefaultSignalURL    = "wss://signal.holo.host"
	DefaultProxyURL     = "kitsune-proxy://SYVd4CF3BdJ4DS7KwLLgeU3_DbHoZ34Y-qroZ79DOs8/kitsune-quic/h/165.22.32.11/p/5779/--"
)

// entry binds a version constraint to an adapter.
type entry struct {
	constraint *semver.Constraints
	adapter    domain.ConductorVersion
}

// Registry holds every supported conductor version line.
type Registry struct {
	entries  []entry
	fallback domain.ConductorVersion
}

// NewRegistry creates a registry with all supported version lines.
// Unknown or unparsable versions use the newest line.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register("< 0.2.0-0", NewV01())
	r.Register(">= 0.2.0-0", NewV02())
	r.fallback = NewV02()
	return r
}

// NewRegistryWithVersions creates a registry with custom entries (for testing).
// The first adapter doubles as fallback.
func NewRegistryWithVersions(constraints map[string]domain.ConductorVersion) *Registry {
	r := &Registry{}
	keys := make([]string, 0, len(constraints))
	for c := range constraints {
		keys = append(keys, c)
	}
	sort.Strings(keys)
	for _, c := range keys {
		r.Register(c, constraints[c])
		if r.fallback == nil {
			r.fallback = constraints[c]
		}
	}
	return r
}

// Register adds an adapter for a semver constraint. Invalid constraints panic:
// they are compile-time constants.
func (r *Registry) Register(constraint string, adapter domain.ConductorVersion) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		panic(fmt.Sprintf("invalid version constraint %q: %v", constraint, err))
	}
	r.entries = append(r.entries, entry{constraint: c, adapter: adapter})
}

// Select returns the adapter for a version string such as "0.2.3" or "holochain 0.1.5".
// ok is false when the fallback was used.
func (r *Registry) Select(raw string) (adapter domain.ConductorVersion, ok bool) {
	v, err := Parse(raw)
	if err != nil {
		return r.fallback, false
	}
	for _, e := range r.entries {
		if e.constraint.Check(v) {
			return e.adapter, true
		}
	}
	return r.fallback, false
}

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(-[0-9A-Za-z.\-]+)?`)

// Parse extracts the first semantic version found in s.
func Parse(s string) (*semver.Version, error) {
	m := versionPattern.FindString(s)
	if m == "" {
		return nil, fmt.Errorf("no version in %q", strings.TrimSpace(s))
	}
	return semver.NewVersion(m)
}

// Detect runs `<binary> --version` and returns its output.
func Detect(ctx context.Context, binary string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}
