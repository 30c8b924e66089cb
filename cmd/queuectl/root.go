package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"queuectl/internal/bootstrap"
	"queuectl/internal/config"
	"queuectl/internal/queue"
	"queuectl/internal/store"
)

type app struct {
	out        io.Writer
	configPath string
	verbose    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "A CLI-based background job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.configPath, "config", "queuectl.yaml", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		a.enqueueCmd(),
		a.statusCmd(),
		a.listCmd(),
		a.getCmd(),
		a.deleteCmd(),
		a.dlqCmd(),
		a.workerCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *app) logger(cfg config.Config, service string) zerolog.Logger {
	if !a.verbose {
		return zerolog.Nop()
	}
	return bootstrap.Logger(cfg, service)
}

// withStore opens the configured store for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(cfg config.Config, st store.Store, log zerolog.Logger) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	log := a.logger(cfg, "queuectl")
	st, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st, log)
}

func (a *app) withManager(ctx context.Context, fn func(m *queue.Manager) error) error {
	return a.withStore(ctx, func(cfg config.Config, st store.Store, log zerolog.Logger) error {
		return fn(queue.NewManager(cfg, st, queue.WithLogger(log)))
	})
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
