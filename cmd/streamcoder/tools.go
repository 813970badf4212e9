package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reasonance-lab/streamcoder/internal/tools"
)

var toolArgsFlag string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and call the configured MCP tool servers",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tools offered by the configured servers",
	RunE:  runToolsList,
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Call a tool with JSON arguments",
	Long: `Call a tool with JSON arguments.

Examples:
  streamcoder tools call sandbox_run --args '{"identity":"demo","source":"print(1)"}'
  streamcoder tools call repo_list_repos`,
	Args: cobra.ExactArgs(1),
	RunE: runToolsCall,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd, toolsCallCmd)
	toolsCallCmd.Flags().StringVar(&toolArgsFlag, "args", "{}", "Tool arguments as a JSON object")
}

// openRegistry starts every enabled tool server from config.
func openRegistry() (*tools.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	for name, toolCfg := range cfg.Tools {
		if err := registry.Register(name, toolCfg); err != nil {
			log.Printf("Warning: failed to start tool server %s: %v", name, err)
		}
	}
	if !registry.HasTools() {
		registry.Close()
		return nil, fmt.Errorf("no tool servers configured (see tools: in streamcoder.yaml)")
	}
	return registry, nil
}

func runToolsList(cmd *cobra.Command, args []string) error {
	registry, err := openRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	fmt.Printf("%-22s %-16s %s\n", "TOOL", "SERVER", "DESCRIPTION")
	fmt.Println(strings.Repeat("─", 80))
	for _, t := range registry.AllTools() {
		desc := t.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Printf("%-22s %-16s %s\n", t.Name, t.Server, desc)
	}
	return nil
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(toolArgsFlag), &toolArgs); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	registry, err := openRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	result, err := registry.CallTool(context.Background(), args[0], toolArgs)
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}
