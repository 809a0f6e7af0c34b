package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ent0n29/motiongate/internal/bridge"
	"github.com/ent0n29/motiongate/internal/config"
	"github.com/ent0n29/motiongate/internal/gateway"
	"github.com/ent0n29/motiongate/internal/httpapi"
	"github.com/ent0n29/motiongate/internal/journal"
	"github.com/ent0n29/motiongate/internal/observability"
	"github.com/ent0n29/motiongate/internal/ratelimit"
	"github.com/ent0n29/motiongate/internal/session"
)

const redisPingTimeout = 2 * time.Second

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Store   *session.Store
	Service *gateway.Service
	Backend *bridge.Client
	Metrics *observability.Metrics
	// OriginLimiter names the active per-origin limiter: "memory" or "redis".
	OriginLimiter string

	// Cleanup should be called on shutdown to release external resources (DB, Redis).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	backend, err := bridge.NewClient(bridge.Config{
		URL:             cfg.BackendURL(),
		MaxMessageSize:  cfg.WSMaxSize,
		OpenTimeout:     cfg.WSOpenTimeout,
		ResponseTimeout: cfg.WSTimeout,
		Serialize:       cfg.SerializeRemote,
		OnGateWait:      metrics.ObserveGateWait,
		Logger:          logger.Named("bridge"),
	})
	if err != nil {
		return nil, fmt.Errorf("backend client init failed: %w", err)
	}

	journalStore, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}

	store := session.NewStore(session.Options{
		ResultCapacity:      cfg.MaxStoredMotionsPerUser,
		SessionRequestLimit: cfg.MaxRequestsPerMinute,
		OriginRequestLimit:  cfg.MaxRequestsPerMinutePerIP,
		AllowRebind:         cfg.AllowSessionRebind,
		Retention:           cfg.DataRetention(),
		MaxAge:              cfg.SessionMaxAge,
		Logger:              logger.Named("session"),
	})

	var (
		origins     ratelimit.OriginLimiter = store
		limiterName                         = "memory"
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable; falling back to in-memory origin limiter",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			origins = ratelimit.NewRedisOriginLimiter(redisClient, cfg.MaxRequestsPerMinutePerIP, logger.Named("ratelimit"))
			limiterName = "redis"
		}
	}

	service, err := gateway.NewService(gateway.Config{
		Store:   store,
		Backend: backend,
		Origins: origins,
		Journal: journalStore,
		Metrics: metrics,
		Logger:  logger.Named("gateway"),
	})
	if err != nil {
		_ = journalStore.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	api := httpapi.New(cfg, service, metrics, logger.Named("http"))

	cleanup := func() error {
		var errs []string
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := journalStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Store:         store,
		Service:       service,
		Backend:       backend,
		Metrics:       metrics,
		OriginLimiter: limiterName,
		Cleanup:       cleanup,
	}, nil
}
