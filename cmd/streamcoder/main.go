package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reasonance-lab/streamcoder/internal/config"
)

var (
	configFlag   string
	providerFlag string
	modelFlag    string
	profileFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "streamcoder",
	Short: "streamcoder - edit, generate and safely run scripts",
	Long: `streamcoder edits scripts held in repositories, rewrites them with a language
model, and runs them in an import-restricted sandbox.

Imports are checked against a host-configured allow-list before anything runs;
every result is kept per session identity.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./streamcoder.yaml or ~/.streamcoder/streamcoder.yaml)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Generation provider (overrides config)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Generation profile to use")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
