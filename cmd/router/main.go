// cmd/router/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "priority-dispatch/internal/api/http"
	"priority-dispatch/internal/config"
	"priority-dispatch/internal/health"
	"priority-dispatch/internal/infra/etcd"
	http_infra "priority-dispatch/internal/infra/http"
	"priority-dispatch/internal/infra/rabbitmq"
	"priority-dispatch/internal/ledger"
	"priority-dispatch/internal/metrics"
	"priority-dispatch/internal/router"
	"priority-dispatch/internal/scheduler"
	"priority-dispatch/internal/tracing"
	"priority-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("priority-dispatch-router")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	topology, err := cfg.Topology()
	if err != nil {
		log.Fatalf("Invalid topology: %v", err)
	}

	nodeID := uuid.New().String()
	logger.Info("starting priority router", "node_id", nodeID, "channels", cfg.Channels, "levels", cfg.Levels)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Connect to the broker; failure here is fatal
	healthServer := health.NewServer(logger, "dispatch.Router")
	conn := rabbitmq.NewConnectionManager(cfg.BrokerURL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithReconnectDelay(cfg.BrokerReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.BrokerMaxReconnects))
	conn.AddStateListener(healthServer)
	if err := conn.Connect(rootCtx); err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer conn.Close()

	topologyManager := rabbitmq.NewTopologyManager(conn)
	if err := topologyManager.Declare(rootCtx, rabbitmq.DispatchTopology(cfg.Exchange, topology)); err != nil {
		log.Fatalf("Failed to declare broker topology: %v", err)
	}

	// 5. Publisher runner, ledger and router
	publisher := rabbitmq.NewPublisher(conn, cfg.Exchange,
		rabbitmq.WithConfirmTimeout(cfg.PublishTimeout),
		rabbitmq.WithPublisherLogger(logger))
	// The runner outlives rootCtx so triggers accepted during the HTTP drain can still publish.
	publisherCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		publisher.Run(publisherCtx)
	}()

	l := ledger.New(topology)
	var rt *router.Router
	reconcile := func(ctx context.Context) {
		if !cfg.ReconcileOnStart {
			return
		}
		if err := rt.Reconcile(ctx, topologyManager); err != nil {
			logger.Warn("ledger reconciliation incomplete", "error", err)
		}
	}

	var routerOpts []router.Option
	schedulerOpts := []scheduler.Option{
		scheduler.WithSink(scheduler.NewLogSink(logger)),
		scheduler.WithSink(scheduler.GaugeSink{}),
	}
	if cfg.UtilizationURL != "" {
		schedulerOpts = append(schedulerOpts, scheduler.WithUtilization(http_infra.NewUtilizationClient(cfg.UtilizationURL, cfg.SnapshotInterval)))
	}

	// 6. Optional etcd: leader election, dispatcher discovery and the snapshot sink
	var leadership *usecase.LeadershipService
	if cfg.EtcdEnabled() {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		advertiseURL := cfg.AdvertiseURL
		if advertiseURL == "" {
			advertiseURL = cfg.RouterURL
		}
		leaderManager := etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, advertiseURL, cfg.LeaderElectionTTL, logger)
		leadership = usecase.NewLeadershipService(leaderManager, reconcile, nodeID, logger)

		discovery := etcd.NewDispatcherDiscovery(etcdClient, logger)
		go discovery.Watch(rootCtx)

		routerOpts = append(routerOpts, router.WithLeaderCheck(leaderManager.IsLeader))
		schedulerOpts = append(schedulerOpts,
			scheduler.WithSink(etcd.NewLedgerRepository(etcdClient, logger)),
			scheduler.WithLeaderCheck(leaderManager.IsLeader),
			scheduler.WithDispatcherCount(func() int { return len(discovery.Dispatchers()) }),
		)
	}

	rt = router.New(topology, l, publisher, cfg.PublishTimeout, logger, routerOpts...)

	if leadership != nil {
		go func() {
			if err := leadership.Start(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Fatalf("LeadershipService stopped with error: %v", err)
			}
		}()
	} else {
		metrics.IsLeader.WithLabelValues(nodeID).Set(1)
		reconcile(rootCtx)
	}

	// 7. Periodic snapshot reporter
	cronScheduler := scheduler.NewCronScheduler(rt, cfg.SnapshotInterval, logger, schedulerOpts...)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		_ = cronScheduler.Start(rootCtx)
	}()

	// 8. HTTP API and metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewDispatchHandler(rt, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 9. gRPC health
	go func() {
		if err := healthServer.ListenAndServe(cfg.GrpcHealthAddr); err != nil {
			logger.Error("grpc health server stopped", "error", err)
		}
	}()

	// 10. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down router gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	drainThenStopPublisher(shutdownCtx, server, stopPublisher, publisherDone, logger)
	healthServer.Stop()
	<-schedulerDone

	logger.Info("router shut down")
}

type drainer interface {
	Shutdown(ctx context.Context) error
}

// drainThenStopPublisher waits for in-flight API requests before stopping the
// publisher runner they publish through, then waits for the runner to exit.
func drainThenStopPublisher(ctx context.Context, api drainer, stopPublisher func(), publisherDone <-chan struct{}, logger *slog.Logger) {
	if err := api.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	stopPublisher()
	<-publisherDone
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
