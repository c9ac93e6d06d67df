package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vogiaan1904/actpresence/config"
	grpcDelivery "github.com/vogiaan1904/actpresence/internal/delivery/grpc"
	"github.com/vogiaan1904/actpresence/internal/delivery/kafka/consumer"
	"github.com/vogiaan1904/actpresence/internal/infra/redis"
	"github.com/vogiaan1904/actpresence/internal/metrics"
	repo "github.com/vogiaan1904/actpresence/internal/repository/redis"
	"github.com/vogiaan1904/actpresence/internal/service"
	pkgKafka "github.com/vogiaan1904/actpresence/pkg/kafka"
	pkgLog "github.com/vogiaan1904/actpresence/pkg/logger"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	redisCli, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to Redis: %v", err)
	}
	defer redis.Disconnect(redisCli)

	m := metrics.New()

	presRepo := repo.NewRedisPresenceRepository(redisCli, l, repo.PresenceOptions{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		HeartbeatTTL:      cfg.Presence.HeartbeatTTL,
		MaxAge:            cfg.Presence.MaxAge,
	})
	commitRepo := repo.NewRedisCommitRepository(redisCli, l, cfg.Presence.CommitHistorySize)

	// Presence janitor
	janitor := service.NewPresenceJanitor(presRepo, m, l, service.JanitorConfig{
		SweepInterval: cfg.Presence.SweepInterval,
		MaxAge:        cfg.Presence.MaxAge,
	})
	if err := janitor.Start(ctx); err != nil {
		l.Fatalf(ctx, "Failed to start presence janitor: %v", err)
	}
	defer janitor.Stop()

	// Commit history consumer
	if cfg.Kafka.Enabled {
		kafkaConsGr, err := pkgKafka.NewConsumer(pkgKafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.ConsumerGroupID,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to initialize Kafka consumer: %v", err)
		}

		histSvc := service.NewHistoryService(commitRepo, l)
		cons := consumer.NewConsumer(kafkaConsGr, histSvc, cfg.Kafka.TopicActCommitted, l)
		cons.Start(ctx)
		defer cons.Close()
	} else {
		l.Info(ctx, "Kafka disabled, commit history will not be recorded")
	}

	// gRPC health server
	lnr, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRpcPort))
	if err != nil {
		l.Fatalf(ctx, "gRPC server failed to listen: %v", err)
	}

	gRpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(gRpcSrv, healthSrv)
	reporter := grpcDelivery.NewHealthReporter(healthSrv, func(ctx context.Context) error {
		return redisCli.Ping(ctx).Err()
	}, 10*time.Second, l)

	// Metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Infof(ctx, "gRPC server is listening on port: %d", cfg.Server.GRpcPort)
		return gRpcSrv.Serve(lnr)
	})
	g.Go(func() error {
		l.Infof(ctx, "Metrics server is listening on port: %d", cfg.Server.MetricsPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reporter.Run(gctx)
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case <-quit:
		case <-gctx.Done():
		}

		l.Info(ctx, "Server shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			l.Warnf(ctx, "Metrics server shutdown: %v", err)
		}
		gRpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Errorf(ctx, "Server stopped with error: %v", err)
	}

	l.Info(ctx, "Server exited")
}
