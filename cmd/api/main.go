package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"queuectl/internal/api"
	"queuectl/internal/bootstrap"
	"queuectl/internal/config"
	"queuectl/internal/ingest"
	"queuectl/internal/queue"
	"queuectl/internal/ratelimit"
)

func main() {
	cfg, err := config.LoadFile(os.Getenv("QUEUECTL_CONFIG"))
	if err != nil {
		fallback := bootstrap.Logger(config.Load(), "queuectl-api")
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := bootstrap.Logger(cfg, "queuectl-api")

	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	manager := queue.NewManager(cfg, st, queue.WithLogger(log))

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		redisLimiter := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisLimiter.Close()
		if err := redisLimiter.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("redis unreachable; enqueue rate limiting disabled")
		} else {
			limiter = ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		}
	}

	if cfg.NATSURL != "" {
		sub, err := ingest.NewServer(cfg.NATSURL, cfg.NATSSubject, manager, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer sub.Close()
		if err := sub.Subscribe(); err != nil {
			log.Fatal().Err(err).Msg("subscribe nats")
		}
	}

	server := api.New(manager, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bootstrap.Serve(gctx, httpServer, log) })
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api stopped")
		return
	}
	log.Info().Msg("api stopped")
}
