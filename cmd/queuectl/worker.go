package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"queuectl/internal/archive"
	"queuectl/internal/bootstrap"
	"queuectl/internal/config"
	"queuectl/internal/store"
	"queuectl/internal/worker"
)

func (a *app) workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Run worker processes",
	}

	var (
		count       int
		metricsAddr string
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Start workers in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := bootstrap.SignalContext(cmd.Context())
			defer stop()

			return a.withStore(ctx, func(cfg config.Config, st store.Store, log zerolog.Logger) error {
				if !cmd.Flags().Changed("count") {
					count = cfg.WorkerCount
				}
				opts := []worker.Option{worker.WithLogger(log)}
				if archive.Enabled(cfg) {
					sink, err := archive.New(ctx, cfg)
					if err != nil {
						return err
					}
					opts = append(opts, worker.WithDeadLetterSink(sink))
				}
				engine := worker.NewEngine(cfg, st, worker.ShellExecutor{}, opts...)
				if err := engine.Start(count); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Started %d worker(s): %v\n", count, engine.Workers())
				fmt.Fprintln(a.out, "Press Ctrl+C to stop; running jobs finish first.")

				g, gctx := errgroup.WithContext(ctx)
				if metricsAddr != "" {
					g.Go(func() error { return bootstrap.ServeMetrics(gctx, metricsAddr, log) })
				}
				g.Go(func() error {
					<-gctx.Done()
					engine.Stop()
					return nil
				})
				err := g.Wait()
				fmt.Fprintln(a.out, "All workers stopped")
				return err
			})
		},
	}
	start.Flags().IntVarP(&count, "count", "c", 1, "number of workers (defaults to the workers setting)")
	start.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	w.AddCommand(start)
	return w
}
