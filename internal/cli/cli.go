// ============================================================================
// extask CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that start the worker, the gateway and the dev
//          engine, submit tasks and print the resolved configuration.
//
// Command Structure:
//   extask                         # Root command
//   ├── worker                     # Poll the engine and process tasks
//   │   └── --worker-id           # Override engine.worker_id
//   ├── gateway                    # Serve POST /process-task and gRPC health
//   ├── devengine                  # In-memory process engine for local runs
//   ├── enqueue                    # Submit tasks to a dev engine
//   │   ├── --file, -f            # Task JSON file
//   │   └── --engine              # Engine base URL
//   ├── status                     # Print the resolved configuration
//   ├── --config, -c              # Config file (default configs/default.yaml)
//   └── --version
//
// Signal Handling:
//   Long-running commands stop on SIGINT/SIGTERM. The worker stops polling,
//   cancels in-flight tasks and reports nothing for them; their locks expire
//   at the engine. Servers shut down gracefully.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/extask-gateway/internal/config"
)

var log = slog.Default()

const shutdownTimeout = 15 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "extask",
		Short: "extask: external task worker and gateway for a BPMN engine",
		Long: `extask claims external tasks from a process engine and delegates them to
downstream integrations:
- exclusive task locks, renewed while work is in progress
- one shared, auto-renewing session per integration
- outcomes classified as success, business error, retryable or fatal failure`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildGatewayCommand())
	rootCmd.AddCommand(buildDevEngineCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig loads the config file and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// serveHTTP serves handler on lis until ctx is cancelled, then shuts down.
func serveHTTP(ctx context.Context, name string, lis net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "server", name, "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", name, err)
	}
	log.Info("HTTP server stopped", "server", name)
	return nil
}

func listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return lis, nil
}
