package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Burrow server",
	Long: `Run the Burrow main process: open the configured listeners, spawn
the helper processes and serve until interrupted.

SIGHUP reloads the TLS certificate and pushes it to the stream workers.
SIGINT or SIGTERM stops accepting, lets bridged connections drain for
shutdown_grace, then stops every helper.

Examples:
  # Run with the built-in defaults (plain listener on :6667)
  burrow serve

  # Run from a configuration file
  burrow serve -c /etc/burrow/burrow.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "YAML configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	// Flags win over the file; workers inherit the effective level.
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Output: os.Stderr})
	mgr, err := manager.NewManager(&manager.Config{Server: cfg, Version: Version})
	if err != nil {
		return fmt.Errorf("failed to create manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %v", err)
	}
	for _, addr := range mgr.Addrs() {
		fmt.Printf("✓ Listening on %s\n", addr)
	}
	if addr := mgr.MetricsAddr(); addr != nil {
		fmt.Printf("✓ Metrics on http://%s/metrics\n", addr)
	}
	fmt.Println("Burrow is running. Press Ctrl+C to stop.")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger := log.WithComponent("serve")
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-hup:
			if err := mgr.Rekey(ctx); err != nil {
				logger.Error().Err(err).Msg("TLS reload failed, keeping current certificate")
			}
		}
	}

	fmt.Println("\nShutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := mgr.Shutdown(sctx); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
