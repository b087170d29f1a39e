package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/extask-gateway/internal/authsession"
	"github.com/ChuLiYu/extask-gateway/internal/classifier"
	"github.com/ChuLiYu/extask-gateway/internal/config"
	"github.com/ChuLiYu/extask-gateway/internal/devengine"
	"github.com/ChuLiYu/extask-gateway/internal/dispatcher"
	"github.com/ChuLiYu/extask-gateway/internal/downstream"
	"github.com/ChuLiYu/extask-gateway/internal/engine"
	"github.com/ChuLiYu/extask-gateway/internal/gateway"
	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/internal/snapshot"
	"github.com/ChuLiYu/extask-gateway/internal/worker"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker that polls the engine and processes tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if workerID != "" {
				cfg.Engine.WorkerID = workerID
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorker(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker id reported to the engine (overrides engine.worker_id)")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	collector := metrics.NewCollector()

	workerID := cfg.Engine.WorkerID
	if workerID == "" {
		workerID = "extask-" + uuid.NewString()
	}

	var delegate dispatcher.Delegate
	switch cfg.Gateway.Mode {
	case config.ModeHTTP:
		if cfg.Gateway.HealthAddr != "" {
			log.Info("Waiting for gateway health", "addr", cfg.Gateway.HealthAddr)
			if err := gateway.WaitHealthy(ctx, cfg.Gateway.HealthAddr, time.Second); err != nil {
				return fmt.Errorf("gateway not healthy: %w", err)
			}
		}
		delegate = gateway.NewHTTPDelegate(cfg.Gateway.URL, nil, cfg.Gateway.UnreachableBackoff)
	default:
		delegate = newLocalDelegate(cfg, collector)
	}

	registry, err := cfg.Registry(delegate)
	if err != nil {
		return err
	}
	source := engine.NewClient(cfg.EngineClient(), nil)
	w, err := worker.New(cfg.Worker(workerID), source, dispatcher.New(registry, collector), collector)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		lis, err := listen(cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		g.Go(func() error { return serveHTTP(ctx, "metrics", lis, collector.Handler()) })
	}
	g.Go(func() error { return w.Run(ctx) })
	return g.Wait()
}

// newLocalDelegate builds the in-process gateway: sessions, downstream
// client, classifier and routes.
func newLocalDelegate(cfg *config.Config, collector *metrics.Collector) *gateway.LocalDelegate {
	login := authsession.NewHTTPLogin(nil, cfg.LoginEndpoints())
	sessions := authsession.NewCache(login, cfg.SessionConfig(), collector)
	client := downstream.NewClient(nil, sessions, cfg.DownstreamIntegrations(), collector)
	return gateway.NewLocalDelegate(
		client,
		classifier.New(cfg.ClassifierPolicy()),
		cfg.Routes(),
		cfg.Gateway.OutcomeCacheTTL,
		collector,
	)
}

// ============================================================================
// gateway
// ============================================================================

func buildGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway that delegates tasks to downstream integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runGateway(ctx, cfg)
		},
	}
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	collector := metrics.NewCollector()
	delegate := newLocalDelegate(cfg, collector)

	httpLis, err := listen(cfg.Gateway.Listen)
	if err != nil {
		return err
	}
	healthLis, err := listen(cfg.Gateway.HealthListen)
	if err != nil {
		httpLis.Close()
		return err
	}
	grpcSrv, health := gateway.ServeHealth(healthLis)
	log.Info("gRPC health listening", "addr", healthLis.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(ctx, "gateway", httpLis, gateway.NewRouter(delegate, collector))
	})
	g.Go(func() error {
		<-ctx.Done()
		health.Shutdown()
		grpcSrv.GracefulStop()
		return nil
	})
	return g.Wait()
}

// ============================================================================
// devengine
// ============================================================================

func buildDevEngineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devengine",
		Short: "Start an in-memory process engine for local runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runDevEngine(ctx, cfg)
		},
	}
}

func runDevEngine(ctx context.Context, cfg *config.Config) error {
	collector := metrics.NewCollector()
	eng := devengine.New(collector)

	lis, err := listen(cfg.DevEngine.Listen)
	if err != nil {
		return err
	}

	var store *snapshot.Manager
	if cfg.DevEngine.SnapshotPath != "" {
		store = snapshot.NewManager(cfg.DevEngine.SnapshotPath)
		if _, err := eng.LoadSnapshot(store); err != nil {
			lis.Close()
			return fmt.Errorf("failed to restore dev engine: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(ctx, "devengine", lis, devengine.NewRouter(eng, collector)) })
	if store != nil {
		g.Go(func() error { return eng.Persist(ctx, store, cfg.DevEngine.SnapshotInterval) })
	}
	if cfg.DevEngine.SweepInterval > 0 {
		g.Go(func() error {
			eng.Sweep(ctx, cfg.DevEngine.SweepInterval)
			return nil
		})
	}
	return g.Wait()
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var taskFile string
	var engineURL string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue tasks from a JSON file into a dev engine",
		Long: `Read task definitions from a JSON file and submit them to a dev engine.
JSON format:
  [
    {"topic": "consultar-processo", "variables": {"numero": "0001"}, "retries": 3}
  ]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			return enqueueTasks(cmd.Context(), taskFile, engineURL, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.Flags().StringVar(&engineURL, "engine", "http://localhost:8080", "dev engine base URL")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueTasks(ctx context.Context, filePath, engineURL string, out io.Writer) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read task file: %w", err)
	}
	var tasks []devengine.NewTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("failed to parse task file: %w", err)
	}
	body, err := json.Marshal(tasks)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := strings.TrimRight(engineURL, "/") + "/tasks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit tasks: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("engine answered %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var created devengine.EnqueueResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return fmt.Errorf("malformed engine answer: %w", err)
	}
	for i, key := range created.Keys {
		fmt.Fprintf(out, "Enqueued %-30s %s\n", tasks[i].Topic, key)
	}
	fmt.Fprintf(out, "%d tasks enqueued\n", len(created.Keys))
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var engineURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the resolved configuration and engine task status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), cfg)
			if engineURL != "" {
				return printEngineStats(cmd.Context(), cmd.OutOrStdout(), engineURL)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&engineURL, "engine", "", "dev engine base URL to query for task counts")
	return cmd
}

// printStatus prints the configuration. Secrets are never printed.
func printStatus(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Engine:           %s\n", cfg.Engine.BaseURL)
	fmt.Fprintf(out, "  ├─ Topics:           %s\n", strings.Join(cfg.Engine.Topics, ", "))
	fmt.Fprintf(out, "  ├─ Max Tasks:        %d\n", cfg.Engine.MaxTasks)
	fmt.Fprintf(out, "  ├─ Lock:             %s (extend %s before expiry)\n", cfg.Engine.LockDuration, cfg.Engine.LockExtendMargin)
	fmt.Fprintf(out, "  └─ Gateway:          %s %s\n", cfg.Gateway.Mode, gatewayTarget(cfg))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Integrations:")
	for i, in := range cfg.Integrations {
		branch := "├─"
		if i == len(cfg.Integrations)-1 {
			branch = "└─"
		}
		secret := "unset"
		if in.Secret != "" {
			secret = "set"
		}
		fmt.Fprintf(out, "  %s %-12s %s (login %s, identity %s, secret %s, timeout %s)\n",
			branch, in.ID, in.BaseURL, in.LoginURL, in.Identity, secret, in.CallTimeout)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Topics:")
	for i, t := range cfg.Topics {
		branch := "├─"
		if i == len(cfg.Topics)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "  %s %-24s %s %s %s (%d fields)\n", branch, t.Name, t.Integration, t.Method, t.Path, len(t.Fields))
	}
	fmt.Fprintln(out)

	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "Metrics: enabled on %s/metrics\n", cfg.Metrics.Listen)
	} else {
		fmt.Fprintln(out, "Metrics: disabled")
	}
}

func gatewayTarget(cfg *config.Config) string {
	if cfg.Gateway.Mode == config.ModeHTTP {
		return cfg.Gateway.URL
	}
	return "(in process)"
}

func printEngineStats(ctx context.Context, out io.Writer, engineURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(engineURL, "/")+"/stats", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine answered %d", resp.StatusCode)
	}

	var stats types.EngineStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("malformed engine answer: %w", err)
	}

	total := stats.Pending + stats.Locked + stats.Completed + stats.Errored + stats.Incidents
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Engine Tasks:")
	fmt.Fprintf(out, "  ├─ Total:           %d\n", total)
	fmt.Fprintf(out, "  ├─ Pending:         %d\n", stats.Pending)
	fmt.Fprintf(out, "  ├─ Locked:          %d\n", stats.Locked)
	fmt.Fprintf(out, "  ├─ Completed:       %d\n", stats.Completed)
	fmt.Fprintf(out, "  ├─ Business Errors: %d\n", stats.Errored)
	fmt.Fprintf(out, "  └─ Incidents:       %d\n", stats.Incidents)
	return nil
}
