package llm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named generation preset: which provider and model to use
// and the system prompt that replaces the default.
type Profile struct {
	Name         string `yaml:"name"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// LoadProfile reads a generation profile from a YAML file. A profile
// without a name is named after its file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &p, nil
}

// LoadProfiles reads every *.yaml and *.yml file in dir. A missing
// directory yields no profiles.
func LoadProfiles(dir string) (map[string]*Profile, error) {
	profiles := make(map[string]*Profile)
	if dir == "" {
		return profiles, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return profiles, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profiles dir: %w", err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		p, err := LoadProfile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := profiles[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile name %q in %s", p.Name, dir)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

// ProfileNames returns the profile names in sorted order.
func ProfileNames(profiles map[string]*Profile) []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply fills the request fields the profile sets and the request leaves
// empty.
func (p *Profile) Apply(req Request) Request {
	if p == nil {
		return req
	}
	if req.System == "" {
		req.System = p.SystemPrompt
	}
	if req.Model == "" {
		req.Model = p.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.MaxTokens
	}
	return req
}
