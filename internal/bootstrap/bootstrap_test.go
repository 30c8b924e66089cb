package bootstrap

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"queuectl/internal/config"
)

func fastBackoff(t *testing.T) {
	t.Helper()
	prev := StoreBackoff
	StoreBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
	t.Cleanup(func() { StoreBackoff = prev })
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")

	st, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenStoreRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.StoreDriver = "mysql"
	if _, err := OpenStore(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestOpenStoreRedisGivesUpAfterRetries(t *testing.T) {
	fastBackoff(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	cfg := config.Default()
	cfg.StoreDriver = config.DriverRedis
	cfg.RedisAddr = mr.Addr()

	st, err := OpenStore(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.Close()

	mr.Close()
	if _, err := OpenStore(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected failure once retries are exhausted")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeMetrics(ctx, addr, zerolog.Nop()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("metrics status %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
