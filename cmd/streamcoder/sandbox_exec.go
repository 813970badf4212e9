package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/reasonance-lab/streamcoder/internal/policy"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
)

var reportStderrFlag bool

// sandboxExecCmd is the child side of process and docker isolation. It
// reads one rewritten program on stdin and never loads config.
var sandboxExecCmd = &cobra.Command{
	Use:    sandbox.ChildCommand,
	Short:  "Run one sandboxed program (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var report io.Writer = os.Stderr
		if !reportStderrFlag {
			report = os.NewFile(3, "report")
		}
		return sandbox.RunChild(os.Stdin, os.Stdout, report, policy.DefaultCatalog())
	},
}

func init() {
	sandboxExecCmd.Flags().BoolVar(&reportStderrFlag, "report-stderr", false, "Write the report to stderr instead of fd 3")
	rootCmd.AddCommand(sandboxExecCmd)
}
