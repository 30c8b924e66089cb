// Package bootstrap holds the start-up plumbing shared by the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"queuectl/internal/config"
	"queuectl/internal/logger"
	"queuectl/internal/store"
	"queuectl/internal/telemetry"
)

// Logger builds the service logger at cfg.LogLevel, tagged with the
// environment.
func Logger(cfg config.Config, service string) zerolog.Logger {
	return logger.New(service, cfg.LogLevel).With().Str("env", cfg.Env).Logger()
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// StoreBackoff is the retry schedule used while the backing store comes up.
var StoreBackoff = func() retry.Backoff {
	b := retry.NewExponential(250 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	return retry.WithMaxRetries(5, b)
}

// OpenStore opens the configured store, retrying while the server is not
// reachable yet. Configuration errors are not retried.
func OpenStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var st store.Store
	attempt := 0
	err := retry.Do(ctx, StoreBackoff(), func(ctx context.Context) error {
		attempt++
		s, err := store.Open(ctx, cfg)
		if err != nil {
			if cfg.StoreDriver == config.DriverMemory || cfg.StoreDriver == config.DriverSQLite {
				return err
			}
			log.Warn().Err(err).Int("attempt", attempt).Str("driver", cfg.StoreDriver).Msg("store not ready")
			return retry.RetryableError(err)
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	log.Info().Str("driver", cfg.StoreDriver).Msg("store opened")
	return st, nil
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return Serve(ctx, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, log)
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	return nil
}
