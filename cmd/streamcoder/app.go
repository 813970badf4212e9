package main

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/reasonance-lab/streamcoder/internal/config"
	"github.com/reasonance-lab/streamcoder/internal/llm"
	"github.com/reasonance-lab/streamcoder/internal/metrics"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/storage/sqlite"
)

// openRunner wires the session store, executor, policy and file store from
// cfg. A file store that fails to open is logged and left out, so local
// runs still work without repository access. The returned func closes the
// store.
func openRunner(cfg *config.Config, m *metrics.Collector) (*runner.Runner, func(), error) {
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}

	exec, err := cfg.Executor()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	set, err := cfg.Policy()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("loading policy: %w", err)
	}

	opts := runner.Options{
		Executor: exec,
		Store:    store,
		Policy:   set,
		Limits:   cfg.Limits(),
		Audit:    cfg.Audit(),
		Metrics:  m,
	}
	if files, err := cfg.FileStore(); err != nil {
		log.Printf("Warning: repository access disabled: %v", err)
	} else {
		opts.Files = files
	}

	r, err := runner.New(opts)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return r, func() { store.Close() }, nil
}

// loadProfile resolves --profile against the configured profiles directory.
func loadProfile(cfg *config.Config) (*llm.Profile, error) {
	if profileFlag == "" {
		return nil, nil
	}
	p, err := llm.LoadProfile(filepath.Join(cfg.Generation.ProfilesDir, profileFlag+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	return p, nil
}

// generator builds the generator selected by --provider, --model and the
// profile, in that order of precedence.
func generator(cfg *config.Config, profile *llm.Profile) (llm.Generator, string, error) {
	providerName := providerFlag
	if providerName == "" && profile != nil {
		providerName = profile.Provider
	}
	if providerName == "" {
		providerName = cfg.DefaultProvider
	}
	model := modelFlag
	if model == "" && profile != nil {
		model = profile.Model
	}
	gen, err := cfg.Generator(providerName, model)
	if err != nil {
		return nil, "", err
	}
	return gen, providerName, nil
}
