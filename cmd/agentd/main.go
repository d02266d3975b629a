// Package main provides the agentd binary entry point. Agentd is a
// long-running autonomous experiment agent: it accepts experiment
// definitions over its RPC surface, gates every action through a governance
// policy, runs approved work on a bounded pool, and replicates all state to
// a remote store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autonomylab/agentcore/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "agentd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "agentd",
		Short: "Autonomous experiment agent",
		Long: `Agentd runs parameterised experiments under a governance policy.

It provides:
- An RPC surface over NATS for creating, starting, and stopping experiments
- A decision matrix and risk assessment gating every action
- An approval workflow for actions that need a human decision
- Write-through replication of all state to a remote store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.NewLoader(bootstrap).Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logs.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app := NewApp(cfg, parseLevel(cfg.Logs.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}

	// The run loop waits on the app's own lifetime, not the signal context:
	// the kill switch ends the former without touching the latter.
	var g errgroup.Group
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			defer app.Exit()
			return app.metrics.Serve(app.runCtx, cfg.Metrics.Listen, app.logger)
		})
	}
	g.Go(func() error {
		<-app.Done()
		return nil
	})

	slog.Info("Agent ready", "version", Version)
	err = g.Wait()

	app.Shutdown()
	return err
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
