package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reasonance-lab/streamcoder/internal/program"
	"github.com/reasonance-lab/streamcoder/internal/rewrite"
	"github.com/reasonance-lab/streamcoder/internal/runner"
	"github.com/reasonance-lab/streamcoder/internal/sandbox"
)

var (
	identityFlag string
	repoFlag     string
	pathFlag     string
	checkFlag    bool
	jsonFlag     bool
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Run a program in the sandbox",
	Long: `Run a program in the import-restricted sandbox and store the result.

The program comes from a local file, stdin ("-"), or a repository file.
Output streams as it is printed.

Examples:
  streamcoder run hello.star
  echo 'print("hi")' | streamcoder run - --identity scratch
  streamcoder run --repo acme/scripts --path tools/report.star
  streamcoder run --check hello.star`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&identityFlag, "identity", "", "Session identity (default: file name, or repo:path)")
	runCmd.Flags().StringVar(&repoFlag, "repo", "", "Repository holding the program")
	runCmd.Flags().StringVar(&pathFlag, "path", "", "Program path inside --repo")
	runCmd.Flags().BoolVar(&checkFlag, "check", false, "Only check imports against the policy")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the result as JSON instead of streaming output")
	rootCmd.AddCommand(runCmd)
}

// readProgram returns the program text and default identity for args.
func readProgram(args []string) (string, string, error) {
	if len(args) == 0 {
		return "", "", errors.New("give a file, '-' for stdin, or --repo and --path")
	}
	if args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), "stdin", nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", "", err
	}
	return string(data), filepath.Base(args[0]), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, closeRunner, err := openRunner(cfg, nil)
	if err != nil {
		return err
	}
	defer closeRunner()

	// Ctrl+C cancels the run, which is then stored as cancelled
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if !jsonFlag {
		ctx = sandbox.WithOutput(ctx, func(chunk string) { fmt.Print(chunk) })
	}

	fromRepo := repoFlag != "" && pathFlag != ""
	var res *sandbox.ExecutionResult
	switch {
	case fromRepo && checkFlag:
		return errors.New("--check works on local files only")
	case fromRepo:
		res, err = r.RunFile(ctx, identityFlag, repoFlag, pathFlag)
	default:
		text, identity, err := readProgram(args)
		if err != nil {
			return err
		}
		if identityFlag != "" {
			identity = identityFlag
		}
		unit := program.NewSourceUnit(identity, text, program.OriginCLI)
		if checkFlag {
			return runCheck(r, unit)
		}
		res, err = r.Submit(ctx, identity, unit)
		if err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	if jsonFlag {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printSummary(os.Stderr, res)
	}
	if res.Status != sandbox.StatusSucceeded {
		return fmt.Errorf("run %s", res.Status)
	}
	return nil
}

func runCheck(r *runner.Runner, unit *program.SourceUnit) error {
	rw, err := r.Check(unit)
	var pv *rewrite.PolicyViolation
	if errors.As(err, &pv) {
		for _, d := range pv.Denials {
			fmt.Printf("line %d: %s (%s)\n", d.Line, d.Statement, d.Reason)
		}
		return fmt.Errorf("%d import(s) denied by policy %s", len(pv.Denials), r.Policy().Version)
	}
	if err != nil {
		return err
	}
	for _, b := range rw.Bindings {
		fmt.Printf("line %d: %s allowed\n", b.Request.Line, b.Request)
	}
	fmt.Printf("ok: %d import(s) allowed by policy %s\n", len(rw.Bindings), rw.PolicyVersion)
	return nil
}

// printSummary writes the status line and any error detail.
func printSummary(w io.Writer, res *sandbox.ExecutionResult) {
	if res.Truncated {
		fmt.Fprintln(w, "\033[90m... (output truncated)\033[0m")
	}
	color := "\033[32m"
	if res.Status != sandbox.StatusSucceeded {
		color = "\033[31m"
	}
	fmt.Fprintf(w, "%s%s\033[0m in %s", color, res.Status, res.Duration.Round(time.Millisecond))
	if res.Isolation != "" {
		fmt.Fprintf(w, " (%s)", res.Isolation)
	}
	fmt.Fprintln(w)

	if d := res.Error; d != nil {
		loc := ""
		if d.Line > 0 {
			loc = fmt.Sprintf(" at line %d", d.Line)
		}
		fmt.Fprintf(w, "%s%s: %s\n", d.Kind, loc, d.Message)
		for _, den := range d.Denials {
			fmt.Fprintf(w, "  line %d: %s\n", den.Line, den.Reason)
		}
		if d.Traceback != "" && d.Kind == sandbox.KindUncaughtException {
			fmt.Fprintln(w, strings.TrimRight(d.Traceback, "\n"))
		}
	}
}
