// cmd/dispatcher/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"priority-dispatch/internal/config"
	"priority-dispatch/internal/domain"
	"priority-dispatch/internal/health"
	"priority-dispatch/internal/infra/etcd"
	http_infra "priority-dispatch/internal/infra/http"
	"priority-dispatch/internal/infra/rabbitmq"
	"priority-dispatch/internal/tracing"
	"priority-dispatch/internal/worker"

	"github.com/google/uuid"
)

func main() {
	// 1. Init logger, tracer and config
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("priority-dispatch-dispatcher")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	topology, err := cfg.Topology()
	if err != nil {
		log.Fatalf("Invalid topology: %v", err)
	}

	endpoints := make(map[domain.Level]http_infra.Endpoint, len(topology.Levels))
	workers := make(map[domain.Level]int, len(topology.Levels))
	for _, level := range topology.Levels {
		compute, ok := cfg.Compute[string(level)]
		if !ok {
			log.Fatalf("No compute endpoint configured for level %q", level)
		}
		endpoints[level] = http_infra.Endpoint{URL: compute.URL, Host: compute.Host}
		workers[level] = cfg.Workers[string(level)]
	}

	nodeID := uuid.New().String()
	logger.Info("starting dispatcher", "node_id", nodeID, "workers", cfg.Workers, "failure_policy", cfg.FailurePolicy)

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 3. Connect to the broker; failure here is fatal
	healthServer := health.NewServer(logger, "dispatch.Dispatcher")
	conn := rabbitmq.NewConnectionManager(cfg.BrokerURL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithReconnectDelay(cfg.BrokerReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.BrokerMaxReconnects))
	conn.AddStateListener(healthServer)
	if err := conn.Connect(rootCtx); err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}

	if err := rabbitmq.NewTopologyManager(conn).Declare(rootCtx, rabbitmq.DispatchTopology(cfg.Exchange, topology)); err != nil {
		log.Fatalf("Failed to declare broker topology: %v", err)
	}

	// 4. Completion reports go to the static router URL or to the elected router
	var resolver domain.LeaderResolver = http_infra.StaticResolver(cfg.RouterURL)
	var registry *etcd.Registry
	if cfg.EtcdEnabled() {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		leaderResolver := etcd.NewLeaderResolver(etcdClient, logger)
		go leaderResolver.Watch(rootCtx)
		resolver = leaderResolver

		registry = etcd.NewRegistry(etcdClient, logger)
		regCtx, regCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
		err = registry.Register(regCtx, etcd.DispatcherInfo{
			NodeID:  nodeID,
			Workers: cfg.Workers,
			Policy:  string(cfg.FailurePolicy),
			Started: time.Now(),
		}, cfg.LeaderElectionTTL)
		regCancel()
		if err != nil {
			log.Fatalf("Failed to register dispatcher: %v", err)
		}
	}

	invoker := http_infra.NewComputeInvoker(endpoints, cfg.InvokeTimeout)
	reporter := http_infra.NewCompletionClient(resolver, cfg.ReportTimeout)

	// 5. Republisher for the retry policy
	republisher := rabbitmq.NewPublisher(conn, cfg.Exchange,
		rabbitmq.WithConfirmTimeout(cfg.PublishTimeout),
		rabbitmq.WithPublisherLogger(logger))
	publisherCtx, stopPublisher := context.WithCancel(context.Background())
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		republisher.Run(publisherCtx)
	}()

	// 6. Worker pool
	consumer := rabbitmq.NewConsumer(conn, rabbitmq.WithConsumerLogger(logger))
	pool := worker.NewPool(topology, workers, consumer, invoker, reporter, logger,
		worker.WithFailurePolicy(cfg.FailurePolicy, cfg.MaxAttempts, republisher),
		worker.WithReportTimeout(cfg.ReportTimeout),
		worker.WithPublishTimeout(cfg.PublishTimeout),
	)
	if err := pool.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	// 7. gRPC health
	go func() {
		if err := healthServer.ListenAndServe(cfg.GrpcHealthAddr); err != nil {
			logger.Error("grpc health server stopped", "error", err)
		}
	}()

	// 8. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down dispatcher gracefully", "grace", cfg.ShutdownGrace)

	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer graceCancel()
	if err := pool.Stop(graceCtx); err != nil {
		logger.Warn("in-flight messages abandoned for redelivery", "error", err)
	}

	stopPublisher()
	<-publisherDone
	healthServer.Stop()

	if registry != nil {
		deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer deregCancel()
		if err := registry.Deregister(deregCtx); err != nil {
			logger.Error("failed to deregister dispatcher", "error", err)
		}
	}

	if err := conn.Close(); err != nil {
		logger.Error("failed to close broker connection", "error", err)
	}
	logger.Info("dispatcher shut down")
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
