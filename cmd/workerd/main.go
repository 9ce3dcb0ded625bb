package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgecore/workerd/internal/config"
	"github.com/forgecore/workerd/internal/core"
	"github.com/forgecore/workerd/internal/logging"
	"github.com/forgecore/workerd/internal/supervisor"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "workerd",
	Short:   "Orchestrates AI coding workers in isolated containers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("workerd version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: tool protocol over stdio plus the read-only streaming API",
	RunE: func(cmd *cobra.Command, args []string) error {
		isChild, _ := cmd.Flags().GetBool("child")
		cfg := config.FromEnv()

		if cfg.SupervisorMode && !isChild {
			return runSupervised(cmd.Context(), cfg)
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the startup reconciliation pass once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		logger, err := logging.New(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("set up logging: %w", err)
		}
		c, err := core.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("open core: %w", err)
		}
		defer c.Close()

		report, err := c.Reconcile(cmd.Context())
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		fmt.Printf("stopped %d orphaned containers, failed %d sessions, rejected %d diffs, purged %d records\n",
			report.OrphanedContainersStopped, report.SessionsMarkedFailed, report.DiffsRejected, report.RecordsPurged)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("child", false, "internal: marks this process as the supervisor's already-supervised child")
	_ = serveCmd.Flags().MarkHidden("child")
}

// runSupervised re-execs the current binary as "serve --child" under the
// supervisor's restart loop, forwarding this process's own signals.
func runSupervised(ctx context.Context, cfg config.Config) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	sup := supervisor.New(supervisor.Config{
		Command:       []string{self, "serve", "--child"},
		MaxRestarts:   cfg.SupervisorMaxRestarts,
		RestartWindow: cfg.SupervisorRestartWindow,
		ShutdownGrace: cfg.SupervisorShutdownTimeout,
	})
	return sup.Run(ctx)
}

// runDaemon opens the core, reconciles startup state, and serves both the
// tool protocol (stdio) and the read-only streaming API (HTTP) until ctx is
// cancelled.
func runDaemon(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := core.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open core: %w", err)
	}
	defer c.Close()

	if _, err := c.Reconcile(ctx); err != nil {
		logger.Error("startup reconciliation failed", "err", err)
	}

	streamAddr := fmt.Sprintf(":%d", cfg.StreamPort)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.Stream.ListenAndServe(ctx, streamAddr)
	}()

	facadeErr := make(chan error, 1)
	go func() {
		facadeErr <- c.Facade.Serve(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-streamErr:
		return fmt.Errorf("streaming API: %w", err)
	case err := <-facadeErr:
		return fmt.Errorf("tool protocol server: %w", err)
	}
}
