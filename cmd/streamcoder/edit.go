package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var editCmd = &cobra.Command{
	Use:   "edit [repo path]",
	Short: "Start an interactive editing session",
	Long: `Open a repository file, rewrite it with a language model, run it in the
sandbox and save it back.

Examples:
  streamcoder edit
  streamcoder edit acme/scripts tools/report.star
  streamcoder edit --provider claude --profile refactor`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("give both a repository and a path, or neither")
		}
		return nil
	},
	RunE: runEdit,
}

func init() {
	rootCmd.AddCommand(editCmd)
}

func runEdit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, closeRunner, err := openRunner(cfg, nil)
	if err != nil {
		return err
	}
	defer closeRunner()

	profile, err := loadProfile(cfg)
	if err != nil {
		return err
	}

	ed := &editor{
		out:        os.Stdout,
		runner:     r,
		profile:    profile,
		maxContext: cfg.Generation.MaxContextChars,
	}

	fmt.Printf("streamcoder - Interactive Editor\n")
	if profile != nil {
		fmt.Printf("Profile: %s\n", profile.Name)
	}
	gen, providerName, err := generator(cfg, profile)
	if err != nil {
		fmt.Printf("Generation disabled: %v\n", err)
	} else {
		ed.gen = gen
		fmt.Printf("Provider: %s\n", providerName)
	}
	fmt.Printf("Sandbox: %s isolation, policy %s\n", r.Isolation(), r.Policy().Version)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	if len(args) == 2 {
		ed.open(context.Background(), args[0], args[1])
	}

	// Set up readline for input with history
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36medit>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "streamcoder_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Per-request cancellation: Ctrl+C cancels the active generation or
	// run, not the whole app. Ctrl+C while idle exits.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		// Per-request context so Ctrl+C only cancels this command
		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		quit := ed.exec(reqCtx, input)
		cancel()
		reqCancel = nil
		fmt.Println()

		if quit {
			return nil
		}
	}
}
