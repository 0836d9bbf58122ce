package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/dxpops/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job API server",
		Long: `Start the HTTP server for submitting and inspecting jobs. Exports left in
flight by an earlier process are resumed before the server starts.

By default, the server listens on the address configured in the config file
(default: 127.0.0.1:8480). Use --listen to override.`,
		Example: `  dxpops serve
  dxpops serve --listen 0.0.0.0:8480`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalManager == nil {
		return fmt.Errorf("engine not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	resumed, err := globalManager.Resume(cmd.Context())
	if err != nil {
		log.Warn("could not resume exports", "error", err)
	}
	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Storage.DataDir, "resumed_exports", len(resumed))

	srv := server.NewServer(globalManager, logger)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	go func() {
		fmt.Fprintf(stdout, "Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Fprintln(stdout, "\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		fmt.Fprintln(stdout, "Server stopped gracefully")
	}

	return nil
}
