package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule allow-lists one module path. Attributes lists the names that may be
// imported from the module; Open grants every member.
type Rule struct {
	Module     string   `yaml:"module" json:"module" mapstructure:"module"`
	Attributes []string `yaml:"attributes,omitempty" json:"attributes,omitempty" mapstructure:"attributes"`
	Open       bool     `yaml:"open,omitempty" json:"open,omitempty" mapstructure:"open"`
}

// Set is the host-configured allow-list. It is never mutated once built;
// reloading produces a new Set.
type Set struct {
	Version string `yaml:"version" json:"version"`
	Modules []Rule `yaml:"modules" json:"modules"`
}

// NewSet builds a validated Set from rules.
func NewSet(version string, rules ...Rule) (*Set, error) {
	s := &Set{Version: version, Modules: append([]Rule(nil), rules...)}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// Empty returns a Set that denies every import.
func Empty() *Set {
	return &Set{Version: "empty"}
}

// Load reads a policy set from a YAML file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Set) normalize() error {
	seen := make(map[string]bool, len(s.Modules))
	for i := range s.Modules {
		r := &s.Modules[i]
		r.Module = strings.TrimSpace(r.Module)
		if !validModulePath(r.Module) {
			return fmt.Errorf("invalid module path %q", r.Module)
		}
		if seen[r.Module] {
			return fmt.Errorf("duplicate module %q", r.Module)
		}
		seen[r.Module] = true
		for _, a := range r.Attributes {
			if !isIdentifier(a) {
				return fmt.Errorf("invalid attribute %q for module %q", a, r.Module)
			}
		}
		sort.Strings(r.Attributes)
	}
	sort.Slice(s.Modules, func(i, j int) bool { return s.Modules[i].Module < s.Modules[j].Module })
	if s.Version == "" {
		s.Version = "1"
	}
	return nil
}

// Match returns the most specific rule whose module path is a
// segment-wise prefix of module: "math" matches "math" and "math.ext",
// never "mathx".
func (s *Set) Match(module string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range s.Modules {
		if module == r.Module || strings.HasPrefix(module, r.Module+".") {
			if !found || len(r.Module) > len(best.Module) {
				best = r
				found = true
			}
		}
	}
	return best, found
}

// ModuleNames lists the allow-listed module paths.
func (s *Set) ModuleNames() []string {
	names := make([]string, len(s.Modules))
	for i, r := range s.Modules {
		names[i] = r.Module
	}
	return names
}

func validModulePath(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, ".") {
		if !isIdentifier(seg) {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
