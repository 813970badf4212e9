package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reasonance-lab/streamcoder/internal/sandbox"
	"github.com/reasonance-lab/streamcoder/internal/storage"
	"github.com/reasonance-lab/streamcoder/internal/storage/sqlite"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
	olderThan    time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Manage stored run sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <identity>",
	Short: "Show a session's source, output and error",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <identity>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <identity>",
	Short: "Export a session as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions idle longer than --older-than (default: sessions.idle_ttl)",
	RunE:  runSessionsPrune,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsExportCmd, sessionsPruneCmd)

	sessionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (succeeded, failed, timed_out, denied)")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	sessionsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")

	sessionsPruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Idle age to prune (e.g. 24h)")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.ListOptions{
		Status: sandbox.Status(statusFilter),
		Limit:  limitFlag,
	}

	sessions, err := store.List(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	// Header
	fmt.Printf("%-40s %-10s %-5s %-12s %s\n", "IDENTITY", "STATUS", "RUNS", "ORIGIN", "UPDATED")
	fmt.Println(strings.Repeat("─", 85))

	for _, s := range sessions {
		identity := s.Identity
		if len(identity) > 38 {
			identity = ".." + identity[len(identity)-36:]
		}
		status := string(s.Status())
		if status == "" {
			status = "-"
		}
		origin := "-"
		if s.Source != nil {
			origin = string(s.Source.Origin)
		}

		fmt.Printf("%-40s %-10s %-5d %-12s %s\n",
			identity, status, s.RunCount, origin, timeAgo(s.UpdatedAt))
	}

	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", sess.Identity)
	fmt.Printf("Runs:     %d\n", sess.RunCount)
	if sess.Source != nil {
		fmt.Printf("Origin:   %s\n", sess.Source.Origin)
	}
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", sess.UpdatedAt.Format(time.RFC3339))

	if sess.Source != nil {
		fmt.Println(strings.Repeat("─", 60))
		for i, l := range strings.Split(strings.TrimRight(sess.Source.Text, "\n"), "\n") {
			fmt.Printf("\033[90m%4d\033[0m  %s\n", i+1, l)
		}
	}

	if res := sess.Result; res != nil {
		fmt.Println(strings.Repeat("─", 60))
		if res.Output != "" {
			fmt.Print(res.Output)
			if !strings.HasSuffix(res.Output, "\n") {
				fmt.Println()
			}
		}
		printSummary(os.Stdout, res)
	}

	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete session %q (%d runs)? [y/N] ", sess.Identity, sess.RunCount)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.Delete(ctx, sess.Identity); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", sess.Identity)
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(sess)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	default:
		output = storage.ExportMarkdown(sess)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ttl := olderThan
	if ttl <= 0 {
		ttl = cfg.Sessions.IdleTTL
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteIdle(context.Background(), time.Now().Add(-ttl))
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d session(s) idle longer than %s\n", n, ttl)
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
