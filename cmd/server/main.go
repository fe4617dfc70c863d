package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/printshop/internal/adapter/eventbus"
	"github.com/rl1809/printshop/internal/adapter/handler"
	"github.com/rl1809/printshop/internal/adapter/storage"
	"github.com/rl1809/printshop/internal/config"
	"github.com/rl1809/printshop/internal/core/service"
	"github.com/rl1809/printshop/internal/observability"
	"github.com/rl1809/printshop/internal/port"
)

const (
	eventWorkers   = 4
	eventQueueSize = 1024
)

// backend is the set of stores the services run on.
type backend struct {
	ledger port.Ledger
	orders port.OrderRepository
	jobs   port.ProductionQueue
	close  func() error
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	tokens, err := cfg.Tokens()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid API tokens")
	}

	shutdownTelemetry, err := observability.Init(ctx, cfg.AppName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	// Initialize storage
	store, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to open storage")
	}

	// Initialize Redis for idempotency keys
	var idempotency port.CacheRepository
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect redis")
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		idempotency = storage.NewRedisAdapter(rdb)
	} else {
		log.Info().Msg("REDIS_ADDR not set, keeping idempotency keys in memory")
		idempotency = storage.NewMemoryStore(time.Now)
	}

	// Initialize event publishing
	var publisher port.EventPublisher = eventbus.LogPublisher{}
	var rabbit *eventbus.RabbitMQPublisher
	if cfg.RabbitMQURL != "" {
		rabbit, err = eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.LowStockExchange)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect rabbitmq, low stock events will be logged only")
		} else {
			publisher = rabbit
		}
	}
	dispatcher := eventbus.NewDispatcher(publisher, eventWorkers, eventQueueSize)

	// Initialize services
	calculator := service.NewCalculator(store.ledger, store.jobs, time.Now)
	availability := service.NewAvailabilityCache(calculator, cfg.AvailabilityCacheTTL, time.Now)
	coordinator := service.NewCoordinator(store.ledger, store.orders, store.jobs, availability,
		service.WithLogger(log.Logger.With().Str("component", "coordinator").Logger()),
		service.WithIdempotency(idempotency, cfg.IdempotencyTTL),
		service.WithEventPublisher(dispatcher),
	)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.AuthUnaryInterceptor(tokens)))
	handler.RegisterStockServiceServer(grpcServer, handler.NewGRPCHandler(availability, coordinator))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.StockServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("failed to listen")
	}

	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// Initialize HTTP server
	if level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.AppName))
	handler.NewHTTPHandler(availability, coordinator).Register(router, handler.BearerAuth(tokens))

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown")
	}
	log.Info().Msg("HTTP server stopped")

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	log.Info().Msg("gRPC server stopped")

	// Drain pending events before the broker connection goes away
	dispatcher.Close()
	log.Info().Msg("event workers stopped")

	if rabbit != nil {
		rabbit.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	if err := store.close(); err != nil {
		log.Error().Err(err).Msg("failed to close storage")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush telemetry")
	}
	log.Info().Msg("connections closed")
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.DBDriver == "memory" {
		log.Warn().Msg("using in-memory storage, state is lost on restart")
		mem := storage.NewMemoryStore(time.Now)
		return backend{ledger: mem, orders: mem, jobs: mem, close: func() error { return nil }}, nil
	}

	sqlStore, err := storage.OpenSQLStore(ctx, cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns)
	if err != nil {
		return backend{}, err
	}
	log.Info().Str("driver", cfg.DBDriver).Msg("connected to database")
	return backend{ledger: sqlStore, orders: sqlStore, jobs: sqlStore, close: sqlStore.Close}, nil
}
