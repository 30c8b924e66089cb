package main

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"queuectl/internal/archive"
	"queuectl/internal/bootstrap"
	"queuectl/internal/config"
	"queuectl/internal/worker"
)

func main() {
	cfg, err := config.LoadFile(os.Getenv("QUEUECTL_CONFIG"))
	if err != nil {
		fallback := bootstrap.Logger(config.Load(), "queuectl-worker")
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := bootstrap.Logger(cfg, "queuectl-worker")

	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	opts := []worker.Option{worker.WithLogger(log)}
	if archive.Enabled(cfg) {
		sink, err := archive.New(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("init dead letter archive")
		}
		opts = append(opts, worker.WithDeadLetterSink(sink))
	}
	engine := worker.NewEngine(cfg, st, worker.ShellExecutor{}, opts...)

	if err := engine.Start(cfg.WorkerCount); err != nil {
		log.Fatal().Err(err).Msg("start workers")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return bootstrap.ServeMetrics(gctx, cfg.MetricsAddr, log) })
	}
	g.Go(func() error {
		<-gctx.Done()
		engine.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		return
	}
	log.Info().Msg("worker stopped")
}
