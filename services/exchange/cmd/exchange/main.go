package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/health"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/httpmiddleware"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/kafka"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/metrics"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/trace"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/cache"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/config"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/consumer"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/events"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/handlers"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/lifecycle"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/matching"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ratelimit"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/reservation"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/service"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	exchangeMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	pgStore := storage.New(pool, logger, storage.WithLockTimeout(cfg.DB.LockTimeout))
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = pgStore.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		logger.Error("db migration failed", "error", err)
		os.Exit(1)
	}
	ready.AddCheck("postgres", pgStore.Ping)

	var (
		store   ledger.Store = pgStore
		limiter ratelimit.Limiter
	)
	if cfg.Rate.Orders > 0 {
		limiter = ratelimit.NewMemory(cfg.Rate.Orders, cfg.Rate.Window)
	}
	if cfg.Redis.Enabled() {
		client, err := connectRedis(cfg)
		if err != nil {
			logger.Warn("redis cache unavailable, serving reads from postgres", "error", err)
		} else {
			defer client.Close()
			store = cache.New(pgStore, client, cfg.Redis.TTL, cfg.Redis.Prefix, logger)
			ready.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
			if cfg.Rate.Orders > 0 {
				limiter = ratelimit.NewRedis(client, cfg.Rate.Orders, cfg.Rate.Window, cfg.Rate.Prefix)
			}
			logger.Info("redis read cache enabled", "addr", cfg.Redis.Addr)
		}
	}

	var (
		publisher kafka.Publisher
		sink      service.EventSink
	)
	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		}, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger)
		sink = events.NewKafkaSink(publisher, cfg.Kafka.Topics.TradesSettled, logger)
	}

	notifier := events.NewQueuedNotifier(pgStore, publisher, cfg.Kafka.Topics.OrderFilled, events.NotifierConfig{
		Workers:        cfg.Notify.Workers,
		Buffer:         cfg.Notify.Buffer,
		DeliverTimeout: cfg.Notify.DeliverTimeout,
	}, logger)
	notifier.Start()

	reserve := reservation.New(cfg.Fee.Rate, logger)
	exchange := service.NewExchange(
		store,
		reserve,
		matching.NewEngine(cfg.Fee.Rate, logger),
		lifecycle.NewManager(reserve, logger),
		sink,
		notifier,
		logger,
		exchangeMetrics,
	)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	httpServer := buildHTTPServer(cfg, exchange, limiter, ready, registry, logger)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.Kafka.Enabled() {
		consumerGroup, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:     cfg.Kafka.Brokers,
			GroupID:     cfg.Kafka.ConsumerGroup,
			DLQTopic:    cfg.Kafka.Topics.DLQ,
			MaxAttempts: cfg.Kafka.MaxAttempts,
			Backoff:     cfg.Kafka.Backoff,
		}, publisher, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumerGroup.Close()

		matchConsumer := consumer.NewMatchConsumer(exchange, logger)
		go func() {
			logger.Info("match request consumer starting", "topic", cfg.Kafka.Topics.MatchRequests)
			if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.MatchRequests}, matchConsumer); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	ready.SetReady(true)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("exchange grpc health starting", "addr", cfg.GRPC.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("exchange http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(cfg, grpcServer, healthServer, httpServer, ready, consumerCancel, logger)
	notifier.Close()
	logger.Info("shutdown complete")
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func connectRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func buildHTTPServer(cfg *config.Config, exchange *service.Exchange, limiter ratelimit.Limiter, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	h := handlers.New(exchange, logger)
	h.Limiter = limiter
	h.Register(router, []byte(cfg.Auth.JWTSecret))

	return &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(cfg *config.Config, grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), cfg.App.HTTP.ShutdownTimeout)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
