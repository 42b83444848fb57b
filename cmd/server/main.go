package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"regio-portal/internal/api"
	"regio-portal/internal/cache"
	"regio-portal/internal/config"
	"regio-portal/internal/db"
	"regio-portal/internal/logger"
	"regio-portal/internal/repository"
	"regio-portal/internal/services/collaboration"
	"regio-portal/internal/services/health"
	"regio-portal/internal/services/sessions"
	"regio-portal/internal/telemetry"
)

const (
	serviceName    = "regio-portal"
	serviceVersion = "2.0.0"
)

/*
STARTUP AND GRACEFUL SHUTDOWN

1. Load config, then build the logger and (optionally) tracing
2. Pick the durable store backend; "none" runs fully in memory
3. Wire the cache, session tracker, event reconciler and health aggregator
4. Run the HTTP server and every background loop in one errgroup
5. SIGINT/SIGTERM cancels the group; the server drains with a timeout
*/

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("version", serviceVersion).Msg("🚀 Starting regional portal state service")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("❌ server exited with error")
	}
	log.Info().Msg("✓ Server shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	shutdownTracing := telemetry.ShutdownFunc(telemetry.Noop)
	if cfg.TracingEnabled {
		fn, err := telemetry.InitJaeger(serviceName, serviceVersion, cfg.JaegerEndpoint, cfg.TracingSampleRatio, log)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️  Failed to initialize Jaeger, continuing without tracing")
		} else {
			shutdownTracing = fn
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("⚠️  Failed to shutdown tracing")
		}
	}()

	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Cache
	ttlCache := cache.NewTTLCache(cache.Options{
		DefaultTTL:       cfg.CacheDefaultTTL,
		MaxMemoryBytes:   cfg.CacheMaxMemoryBytes,
		HighWaterEntries: cfg.CacheHighWaterEntries,
		WarnPercent:      cfg.MemoryWarnPercent,
	}, log)
	ttlCache.RegisterWarmer(cache.NewSeedWarmer())

	// Sessions and collaboration
	tracker := sessions.NewTracker(sessions.Options{
		IdleTimeout:  cfg.SessionIdleTimeout,
		HistoryDays:  cfg.SessionHistoryDays,
		StoreTimeout: cfg.StoreTimeout,
	}, st.sessions, log)

	rooms := collaboration.NewRooms(collaboration.RoomOptions{
		IdleTimeout:  cfg.SessionIdleTimeout,
		StoreTimeout: cfg.StoreTimeout,
	}, st.rooms, log)

	var retry *collaboration.RetryDispatcher
	if st.events != nil {
		retry = collaboration.NewRetryDispatcher(st.events, collaboration.RetryOptions{
			QueueSize:      cfg.RetryQueueSize,
			Workers:        cfg.RetryWorkers,
			MaxAttempts:    cfg.RetryMaxAttempts,
			AttemptTimeout: cfg.StoreTimeout,
		}, log)
	}

	reconciler := collaboration.NewReconciler(collaboration.Options{
		BufferCapacity: cfg.EventBufferCapacity,
		PageSize:       cfg.EventQueryPageSize,
		Shards:         cfg.EventShards,
		StoreTimeout:   cfg.StoreTimeout,
		IdleTimeout:    cfg.SessionIdleTimeout,
	}, st.events, rooms, retry, log)

	hub := collaboration.NewHub(reconciler, log)
	wsHandler := collaboration.NewWebSocketHandler(hub, rooms, log)

	aggregator := health.NewAggregator(ttlCache, tracker, health.Thresholds{
		HealthyHitRate:    cfg.HealthyHitRate,
		DegradedHitRate:   cfg.DegradedHitRate,
		LowHitRate:        cfg.LowHitRate,
		MemoryWarnPercent: cfg.MemoryWarnPercent,
		HighWaterEntries:  cfg.CacheHighWaterEntries,
	})

	handler := api.NewHandler(ttlCache, tracker, reconciler, rooms, aggregator, wsHandler.HandleSessionConnection, log)
	router := api.SetupRoutes(handler, log)

	server := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CacheWarmup {
		if failed := ttlCache.Warmup(ctx); failed > 0 {
			log.Warn().Int("failed", failed).Msg("cache warmup incomplete")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ttlCache.RunJanitor(gctx, cfg.CacheSweepInterval) })
	g.Go(func() error { return tracker.RunSweeper(gctx, cfg.SessionSweepInterval) })
	g.Go(func() error { return reconciler.RunSweeper(gctx, cfg.SessionSweepInterval) })
	g.Go(func() error { return rooms.RunSweeper(gctx, cfg.SessionSweepInterval) })
	g.Go(func() error { return hub.Run(gctx) })
	if retry != nil {
		g.Go(func() error { return retry.Run(gctx) })
	}

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("🌐 Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("⚠️  Server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}

// durableStores holds one store per consumer. Every field is a nil interface
// for the "none" driver.
type durableStores struct {
	events   collaboration.EventStore
	sessions sessions.SessionStore
	rooms    collaboration.RoomStore
}

// openStore builds the durable stores for cfg.StoreDriver.
func openStore(cfg *config.Config, log zerolog.Logger) (durableStores, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		database, err := db.NewGorm(cfg, log)
		if err != nil {
			return durableStores{}, nil, err
		}
		closeFn := func() {
			if err := database.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close database")
			}
		}
		return durableStores{
			events:   repository.NewEventRepository(database.DB),
			sessions: repository.NewSessionRepository(database.DB),
			rooms:    repository.NewRoomRepository(database.DB),
		}, closeFn, nil

	case config.StoreDriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := repository.NewRedisStore(rdb, time.Duration(cfg.SessionHistoryDays)*24*time.Hour)

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = rdb.Close()
			return durableStores{}, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("✓ redis connected")

		closeFn := func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis client")
			}
		}
		return durableStores{events: store, sessions: store, rooms: store}, closeFn, nil

	default:
		log.Warn().Msg("no durable store configured, running in memory only")
		return durableStores{}, func() {}, nil
	}
}
