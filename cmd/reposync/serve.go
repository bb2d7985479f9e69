package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BadgerOps/reposync/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveListen   string
	serveNoUpdate bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the JSON API server. It lists, filters and rates mirrors, exposes
the package table and recorded update runs, and can trigger an update.

By default, the server listens on the address configured in the config file
(default: 127.0.0.1:8080). Use --listen to override.`,
		Example: `  reposync serve
  reposync serve --listen 0.0.0.0:9000
  reposync serve --no-update`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")
	cmd.Flags().BoolVar(&serveNoUpdate, "no-update", false, "disable POST /api/update")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStatus == nil || globalRater == nil {
		return fmt.Errorf("mirror components not initialized")
	}
	if err := openStores(commandContext(cmd)); err != nil {
		return err
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	var updater server.UpdateRunner
	if !serveNoUpdate {
		updater = newUpdater(globalCfg.Mirror.Countries, false)
	}

	log.Info("server starting", "listen", listen, "backend", globalCfg.PackageTable.Backend, "updates", !serveNoUpdate)

	// Create the HTTP server
	srv := server.NewServer(globalStatus, globalRater, globalTable, globalStore, updater, configCriteria(), logger)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	// Start the server in a goroutine
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for either an error or a shutdown signal
	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		fmt.Println("Server stopped gracefully")
	}

	return nil
}
