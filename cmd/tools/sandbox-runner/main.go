// Command streamcoder-tool-sandbox-runner serves the sandbox over MCP stdio:
// sandbox_run, sandbox_check, sandbox_result and sandbox_policy.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/reasonance-lab/streamcoder/internal/config"
	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage/sqlite"
	"github.com/reasonance-lab/streamcoder/internal/tools"
)

func main() {
	// Process isolation re-executes this binary as the child.
	if len(os.Args) > 1 && os.Args[1] == sandbox.ChildCommand {
		report := os.NewFile(3, "report")
		if err := sandbox.RunChild(os.Stdin, os.Stdout, report, policy.DefaultCatalog()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	exec, err := cfg.Executor()
	if err != nil {
		log.Fatal(err)
	}
	set, err := cfg.Policy()
	if err != nil {
		log.Fatalf("loading policy: %v", err)
	}
	opts := runner.Options{
		Executor: exec,
		Store:    store,
		Policy:   set,
		Limits:   cfg.Limits(),
		Audit:    cfg.Audit(),
	}
	if files, err := cfg.FileStore(); err != nil {
		log.Printf("repository runs disabled: %v", err)
	} else {
		opts.Files = files
	}
	r, err := runner.New(opts)
	if err != nil {
		log.Fatal(err)
	}

	if err := server.ServeStdio(tools.NewSandboxServer(r)); err != nil {
		log.Printf("server error: %v", err)
	}
}
