package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/reasonance-lab/streamcoder/internal/filestore"
	"github.com/reasonance-lab/streamcoder/internal/llm"
	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/tools"
)

type ProviderConfig struct {
	Kind      string            `mapstructure:"kind"`
	BaseURL   string            `mapstructure:"base_url"`
	APIKey    string            `mapstructure:"api_key"`
	Models    map[string]string `mapstructure:"models"`
	MaxTokens int               `mapstructure:"max_tokens"`
}

type GenerationConfig struct {
	ProfilesDir     string `mapstructure:"profiles_dir"`
	MaxContextChars int    `mapstructure:"max_context_chars"`
}

type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	Owner   string `mapstructure:"owner"`
	BaseURL string `mapstructure:"base_url"`
}

type FilesConfig struct {
	Backend string `mapstructure:"backend"` // github or local
	Root    string `mapstructure:"root"`
}

type AuditConfig struct {
	Repo   string `mapstructure:"repo"`
	Prefix string `mapstructure:"prefix"`
}

type DockerConfig struct {
	Image   string   `mapstructure:"image"`
	Binary  string   `mapstructure:"binary"`
	Network bool     `mapstructure:"network"`
	CPUs    string   `mapstructure:"cpus"`
	Images  []string `mapstructure:"images"`
}

type SandboxConfig struct {
	Isolation      string        `mapstructure:"isolation"`
	MaxDuration    time.Duration `mapstructure:"max_duration"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	MaxSteps       uint64        `mapstructure:"max_steps"`
	MaxMemoryMB    int           `mapstructure:"max_memory_mb"`
	PolicyFile     string        `mapstructure:"policy_file"`
	Modules        []policy.Rule `mapstructure:"modules"`
	Audit          AuditConfig   `mapstructure:"audit"`
	Docker         DockerConfig  `mapstructure:"docker"`
}

type SessionsConfig struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Providers       map[string]ProviderConfig         `mapstructure:"providers"`
	DefaultProvider string                            `mapstructure:"default_provider"`
	Generation      GenerationConfig                  `mapstructure:"generation"`
	GitHub          GitHubConfig                      `mapstructure:"github"`
	Files           FilesConfig                       `mapstructure:"files"`
	Sandbox         SandboxConfig                     `mapstructure:"sandbox"`
	Sessions        SessionsConfig                    `mapstructure:"sessions"`
	Server          ServerConfig                      `mapstructure:"server"`
	Storage         StorageConfig                     `mapstructure:"storage"`
	Tools           map[string]tools.ToolServerConfig `mapstructure:"tools"`
}

// Load reads streamcoder.yaml from the working directory or
// $HOME/.streamcoder. A missing file leaves the defaults in place.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the config at path, or searches the default locations
// when path is empty. STREAMCODER_* environment variables override keys,
// so STREAMCODER_FILES_ROOT sets files.root.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("streamcoder")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.streamcoder")
	}
	v.SetEnvPrefix("streamcoder")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home := os.Getenv("HOME")
	limits := sandbox.DefaultLimits()
	docker := sandbox.DefaultDockerPolicy()
	v.SetDefault("default_provider", "openai")
	v.SetDefault("generation.profiles_dir", filepath.Join(home, ".streamcoder", "profiles"))
	v.SetDefault("generation.max_context_chars", 24000)
	v.SetDefault("github.token", "${HUBGIT_TOKEN}")
	v.SetDefault("github.owner", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("files.backend", "local")
	v.SetDefault("files.root", filepath.Join(home, ".streamcoder", "repos"))
	v.SetDefault("sandbox.isolation", "process")
	v.SetDefault("sandbox.max_duration", limits.MaxDuration)
	v.SetDefault("sandbox.max_output_bytes", limits.MaxOutputBytes)
	v.SetDefault("sandbox.max_steps", limits.MaxSteps)
	v.SetDefault("sandbox.max_memory_mb", limits.MaxMemoryMB)
	v.SetDefault("sandbox.policy_file", "")
	v.SetDefault("sandbox.audit.repo", "")
	v.SetDefault("sandbox.audit.prefix", "runs")
	v.SetDefault("sandbox.docker.image", docker.Image)
	v.SetDefault("sandbox.docker.binary", docker.Binary)
	v.SetDefault("sandbox.docker.network", docker.Network)
	v.SetDefault("sandbox.docker.cpus", docker.CPUs)
	v.SetDefault("sandbox.docker.images", docker.Images)
	v.SetDefault("sessions.idle_ttl", 72*time.Hour)
	v.SetDefault("sessions.prune_schedule", "@hourly")
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(home, ".streamcoder", "streamcoder.db"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in secrets
	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.GitHub.Token = expandEnv(cfg.GitHub.Token)
	for name, t := range cfg.Tools {
		t.Binary = os.ExpandEnv(t.Binary)
		cfg.Tools[name] = t
	}

	return &cfg, nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Model returns the named model, or the provider's default model.
func (p ProviderConfig) Model(name string) string {
	if name != "" {
		if m, ok := p.Models[name]; ok {
			return m
		}
		return name
	}
	return p.Models["default"]
}

// Generator builds the code generator for a provider and model. Empty
// names select the defaults.
func (c *Config) Generator(provider, model string) (llm.Generator, error) {
	p, err := c.Provider(provider)
	if err != nil {
		return nil, err
	}
	return llm.NewGenerator(p.Kind, p.BaseURL, p.APIKey, p.Model(model), p.MaxTokens)
}

// FileStore opens the configured repository backend.
func (c *Config) FileStore() (filestore.Store, error) {
	switch c.Files.Backend {
	case "github":
		if c.GitHub.Token == "" {
			return nil, fmt.Errorf("github file store needs github.token (HUBGIT_TOKEN)")
		}
		gh, err := filestore.NewGitHubStore(filestore.GitHubConfig{
			Token:   c.GitHub.Token,
			Owner:   c.GitHub.Owner,
			BaseURL: c.GitHub.BaseURL,
		}, nil)
		if err != nil {
			return nil, err
		}
		return gh, nil
	case "", "local":
		local, err := filestore.NewLocalStore(c.Files.Root)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		return nil, fmt.Errorf("unknown files backend %q (want github or local)", c.Files.Backend)
	}
}

// Policy loads the import allow-list. A policy file wins over inline
// modules; with neither, every import is denied.
func (c *Config) Policy() (*policy.Set, error) {
	if c.Sandbox.PolicyFile != "" {
		return policy.Load(c.Sandbox.PolicyFile)
	}
	if len(c.Sandbox.Modules) == 0 {
		return policy.Empty(), nil
	}
	return policy.NewSet("config", c.Sandbox.Modules...)
}

// Limits returns the per-run execution limits.
func (c *Config) Limits() sandbox.ExecutionLimits {
	return sandbox.ExecutionLimits{
		MaxDuration:    c.Sandbox.MaxDuration,
		MaxOutputBytes: c.Sandbox.MaxOutputBytes,
		MaxSteps:       c.Sandbox.MaxSteps,
		MaxMemoryMB:    c.Sandbox.MaxMemoryMB,
	}
}

// Executor returns the executor for the configured isolation.
func (c *Config) Executor() (sandbox.Executor, error) {
	if c.Sandbox.Isolation == "interpreter" && c.Sandbox.MaxMemoryMB > 0 {
		log.Printf("sandbox: interpreter isolation shares this process's heap; the %d MB memory cap is approximate and shared by concurrent runs", c.Sandbox.MaxMemoryMB)
	}
	d := c.Sandbox.Docker
	return sandbox.NewExecutor(c.Sandbox.Isolation, sandbox.DockerPolicy{
		Image:   d.Image,
		Binary:  d.Binary,
		Network: d.Network,
		CPUs:    d.CPUs,
		Images:  d.Images,
	})
}

// Audit returns where executed programs are copied, if anywhere.
func (c *Config) Audit() runner.AuditConfig {
	return runner.AuditConfig{Repo: c.Sandbox.Audit.Repo, Prefix: c.Sandbox.Audit.Prefix}
}
