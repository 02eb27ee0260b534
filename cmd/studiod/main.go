// Studiod is the TerraQore Studio daemon: the governance engine that sits
// between autonomous producers and a shared project workspace.
//
// It serves the HTTP API, runs the event hub and webhook dispatcher, and
// drains the gateway queue against the configured compute provider.
//
// Usage:
//
//	# Start with defaults (SQLite in the working directory)
//	studiod
//
//	# Point at a config file
//	studiod -config /etc/studio/studio.yaml
//
//	# Override via environment
//	STUDIO_SERVER_PORT=9090 STUDIO_STORAGE_DRIVER=memory studiod
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/audit"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/compute"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/config"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/events"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/logging"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/policy"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/psmp"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/queue"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/sensitivity"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/server"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/state"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/telemetry"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/webhook"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("studiod %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("studiod: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background()) //nolint:errcheck

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	// Event hub, optionally mirrored to NATS.
	hubOpts := []events.Option{events.WithQueueSize(cfg.Events.QueueSize)}
	natsURL := cfg.Events.NATSURL
	if cfg.Events.EmbedNATS {
		ns, err := events.StartEmbeddedNATS(cfg.Events.NATSPort)
		if err != nil {
			return err
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
		logger.Info("embedded nats started", zap.String("url", natsURL))
	}
	if natsURL != "" {
		conn, err := nats.Connect(natsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Close()
		hubOpts = append(hubOpts, events.WithMirror(events.NewNATSMirror(conn)))
	}
	hub := events.NewHub(logger, hubOpts...)
	go hub.Run(ctx)

	auditor, err := audit.New(&audit.Config{
		Dir:          cfg.Audit.Dir,
		Organization: cfg.Audit.Organization,
		BufferSize:   cfg.Audit.BufferSize,
	}, hub, logger)
	if err != nil {
		return err
	}
	defer auditor.Close() //nolint:errcheck

	gateway, err := newGateway(ctx, cfg.Policy, auditor, logger)
	if err != nil {
		return err
	}

	engine, err := psmp.NewEngine(psmp.Config{}, store, logger)
	if err != nil {
		return err
	}

	scanner, err := sensitivity.New(logger)
	if err != nil {
		return err
	}

	manager, err := state.NewManager(state.Config{
		CheckpointRetention: cfg.Checkpoints.Retention,
	}, store, state.Options{
		Declarer: engine,
		Enforcer: gateway,
		Scanner:  scanner,
		Hub:      hub,
	}, logger)
	if err != nil {
		return err
	}

	// Outbound compute pipeline. Without an API key the gateway routes
	// still accept jobs; batches fail at execution with a clear result.
	gatewayQueue := queue.NewGatewayQueue()
	worker, err := newWorker(cfg, gatewayQueue, hub, logger)
	if err != nil {
		return err
	}
	go runWorkerLoop(ctx, worker, cfg.Gateway, logger)

	dispatcher := webhook.NewDispatcher(webhook.Config{
		Timeout:        cfg.Webhooks.Timeout,
		MaxRetries:     cfg.Webhooks.MaxRetries,
		InitialBackoff: cfg.Webhooks.InitialBackoff,
	}, logger)
	webhookSub := hub.Subscribe([]string{"*"}, "")
	defer hub.Unsubscribe(webhookSub.ID)
	go dispatcher.Run(ctx, webhookSub)

	srv, err := server.NewServer(cfg.Server, server.Dependencies{
		Store:      store,
		Manager:    manager,
		Engine:     engine,
		Auditor:    auditor,
		Hub:        hub,
		Queue:      gatewayQueue,
		Worker:     worker,
		Dispatcher: dispatcher,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("studiod starting",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("version", version))
	return srv.Start(ctx)
}

func openStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemory(), nil
	default:
		return storage.OpenSQLite(cfg.Path)
	}
}

func newGateway(ctx context.Context, cfg config.PolicyConfig, auditor *audit.Auditor, logger *zap.Logger) (policy.Gateway, error) {
	var routingPolicy *policy.RoutingPolicy
	var err error
	if cfg.File != "" {
		routingPolicy, err = policy.LoadPolicyFile(cfg.File)
		if err != nil {
			return nil, err
		}
	} else {
		routingPolicy = policy.BuiltinPolicy(cfg.Builtin)
		if routingPolicy == nil {
			return nil, fmt.Errorf("unknown builtin policy %q", cfg.Builtin)
		}
	}

	gateway, err := policy.NewGateway(routingPolicy, auditor, logger)
	if err != nil {
		return nil, err
	}
	if cfg.File != "" && cfg.Watch {
		go func() {
			if err := policy.WatchPolicyFile(ctx, gateway, cfg.File, logger); err != nil {
				logger.Warn("policy watcher stopped", zap.Error(err))
			}
		}()
	}
	return gateway, nil
}

func newWorker(cfg *config.Config, q *queue.GatewayQueue, hub *events.Hub, logger *zap.Logger) (*queue.Worker, error) {
	scheduler := queue.NewScheduler(queue.SchedulerConfig{MaxBatchTokens: cfg.Gateway.MaxBatchTokens})
	retry := queue.RetryConfig{
		MaxRetries:     cfg.Gateway.MaxRetries,
		InitialBackoff: cfg.Gateway.InitialBackoff,
	}

	opts := queue.WorkerOptions{Hub: hub}
	if cfg.Compute.APIKey != "" {
		provider, err := compute.NewLLMProvider(compute.LLMConfig{
			Model:             cfg.Compute.Model,
			BaseURL:           cfg.Compute.BaseURL,
			APIKey:            cfg.Compute.APIKey,
			MaxTokens:         cfg.Compute.MaxTokens,
			RequestsPerSecond: cfg.Compute.RequestsPerSecond,
		}, logger)
		if err != nil {
			return nil, err
		}
		opts.Assembler = compute.NewTemplateAssembler()
		opts.Provider = provider
	} else {
		logger.Warn("no compute API key configured, gateway jobs will fail at execution")
		opts.Processor = func(context.Context, *queue.Batch) error {
			return fmt.Errorf("no compute provider configured")
		}
	}

	return queue.NewWorker(q, scheduler, retry, opts, logger)
}

func runWorkerLoop(ctx context.Context, worker *queue.Worker, cfg config.GatewayConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := worker.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("worker run failed", zap.Error(err))
			}
		}
	}
}
