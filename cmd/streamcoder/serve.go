package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reasonance-lab/streamcoder/internal/metrics"
	"github.com/reasonance-lab/streamcoder/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streamcoder web server",
	Long: `Start the streamcoder HTTP server with REST API and WebSocket support.

The editor is available at the root URL. API endpoints are under /api and
Prometheus metrics under /metrics. SIGHUP reloads the import policy.

Examples:
  streamcoder serve
  streamcoder serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	m := metrics.New()
	r, closeRunner, err := openRunner(cfg, m)
	if err != nil {
		return err
	}
	defer closeRunner()
	log.Printf("Sandbox: %s isolation, policy %s", r.Isolation(), r.Policy().Version)

	if cfg.Sessions.PruneSchedule != "" {
		stop, err := r.StartPruner(cfg.Sessions.PruneSchedule, cfg.Sessions.IdleTTL)
		if err != nil {
			return err
		}
		defer stop()
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, r, m)

	// SIGHUP reloads the policy; SIGINT/SIGTERM shut down gracefully
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				set, err := cfg.Policy()
				if err != nil {
					log.Printf("policy reload failed, keeping %s: %v", r.Policy().Version, err)
					continue
				}
				r.ReloadPolicy(set)
				continue
			}
			srv.Shutdown(context.Background())
			return
		}
	}()

	if err := srv.Start(port); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
