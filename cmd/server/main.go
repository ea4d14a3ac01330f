package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/authgw"
	"github.com/chatwire/chatwire/internal/chat"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/eventlog"
	"github.com/chatwire/chatwire/internal/gate"
	"github.com/chatwire/chatwire/internal/msgcache"
	"github.com/chatwire/chatwire/internal/observability"
	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/registry"
	"github.com/chatwire/chatwire/internal/server"
	"github.com/chatwire/chatwire/internal/storage/postgres"
	"github.com/chatwire/chatwire/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	observability.InitLogger(cfg.ServiceName)
	log := observability.Log
	defer log.Sync()

	ctx, cancel := setupSignalHandler(log)
	defer cancel()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log = log.With(zap.String("instance_id", instanceID))

	redisClient := initRedis(ctx, cfg.RedisAddr, log)
	defer redisClient.Close()

	repo, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open postgres", zap.Error(err))
	}
	defer repo.Close()
	if err := repo.Ping(ctx); err != nil {
		log.Fatal("failed to reach postgres", zap.Error(err))
	}

	publisher := eventlog.NewPublisher(redisClient, cfg.EventMaxLen)

	msgGate := gate.New(gate.Config{
		RateLimit:      cfg.RateLimitCount,
		RateWindow:     cfg.RateLimitWindow,
		FloodThreshold: cfg.FloodThreshold,
		FloodWindow:    cfg.FloodWindow,
		Denylist:       cfg.Denylist,
	})

	cache := msgcache.New(msgcache.Config{
		Capacity: cfg.CacheCapacity,
		TTL:      cfg.CacheTTL,
	}, repo)

	tracker := presence.NewTracker(repo, publisher, cfg.EventTopic, presence.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
		Retention:        cfg.PresenceRetention,
		DefaultMaxUsers:  cfg.DefaultMaxUsers,
	}, log)
	tracker.Start(ctx)

	reg := registry.New(log)
	chatSvc := chat.NewService(repo, msgGate, cache, publisher, cfg.EventTopic, cfg.Moderators, log)

	authClient := authgw.New(authgw.Config{
		BaseURL:          cfg.AuthGatewayURL,
		Timeout:          cfg.AuthTimeout,
		Retries:          cfg.AuthRetries,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, log)

	// Every instance consumes the full log through its own group, so local
	// fan-out sees every event while ack/reclaim semantics still apply.
	dispatcher := registry.NewDispatcher(reg, log)
	consumer := eventlog.NewConsumer(redisClient, cfg.EventTopic, "fanout:"+instanceID, instanceID, dispatcher, eventlog.ConsumerConfig{
		Block:          cfg.ConsumerBlock,
		Batch:          cfg.ConsumerBatch,
		MaxRetries:     cfg.ConsumerRetries,
		PendingTimeout: cfg.PendingTimeout,
		ClaimInterval:  cfg.ClaimInterval,
		DeadMaxLen:     cfg.DeadMaxLen,
	}, log)
	if err := consumer.Start(ctx); err != nil {
		log.Fatal("failed to start event log consumer", zap.Error(err))
	}

	wsHandler := ws.NewHandler(reg, tracker, chatSvc, authClient, cfg.JWTSecret, log)
	wsSrv := server.New(cfg.HTTPAddr, ws.Router(wsHandler, cfg.ConnRateLimit, cfg.ConnRateWindow), log)
	obsSrv := initObservabilityServer(cfg, redisClient, repo, log)

	startServers(obsSrv, wsSrv, log)

	<-ctx.Done()
	performGracefulShutdown(obsSrv, wsSrv, reg, log)
}

func setupSignalHandler(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating shutdown", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func initRedis(ctx context.Context, addr string, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	return client
}

func initObservabilityServer(cfg *config.Config, redisClient *redis.Client, repo *postgres.Repository, log *zap.Logger) *http.Server {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/health/live", observability.HealthLiveHandler)
	mux.Get("/health/ready", observability.HealthReadyHandler(
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		repo.Ping,
	))
	return &http.Server{Addr: cfg.ObsAddr, Handler: mux}
}

func startServers(obsSrv *http.Server, wsSrv *server.Server, log *zap.Logger) {
	go func() {
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observability server error", zap.Error(err))
		}
	}()
	go func() {
		if err := wsSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()
}

func performGracefulShutdown(obsSrv *http.Server, wsSrv *server.Server, reg *registry.Registry, log *zap.Logger) {
	log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsSrv.Shutdown(ctx); err != nil {
		log.Error("error during main server shutdown", zap.Error(err))
	}
	if err := obsSrv.Shutdown(ctx); err != nil {
		log.Error("error during observability server shutdown", zap.Error(err))
	}
	reg.CloseAll()
	log.Info("shutdown complete, exiting")
}
