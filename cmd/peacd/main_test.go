package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/peacprotocol/peac-sub013/pkg/auth"
	"github.com/peacprotocol/peac-sub013/pkg/config"
	"github.com/peacprotocol/peac-sub013/pkg/replay"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
)

func noopTelemetry(context.Context, telemetry.TraceConfig) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func memoryReplay(context.Context, config.Config) (replay.Store, func(), error) {
	return replay.NewMemoryStore(replay.MemoryOptions{}), func() {}, nil
}

func withConfig(t *testing.T, cfg config.Config) {
	t.Helper()
	orig := loadConfigFn
	loadConfigFn = func() (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfigFn = orig })
}

func TestMainDirectPeacd(t *testing.T) {
	origLogFatalf, origInit, origOpen, origListen := logFatalf, initTelemetryFn, openReplayFn, listenFn
	defer func() {
		logFatalf, initTelemetryFn, openReplayFn, listenFn = origLogFatalf, origInit, origOpen, origListen
	}()

	t.Run("main success path", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.Addr = "127.0.0.1:0"
		cfg.Server.AdminToken = "ops-token"
		withConfig(t, cfg)

		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		initTelemetryFn = noopTelemetry
		openReplayFn = memoryReplay
		var got *http.Server
		listenFn = func(s *http.Server) error { got = s; return nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
		if got == nil || got.Addr != "127.0.0.1:0" || got.Handler == nil {
			t.Fatalf("unexpected server %+v", got)
		}
		if got.ReadHeaderTimeout != cfg.Server.ReadHeaderTimeout || got.WriteTimeout != cfg.Server.WriteTimeout {
			t.Fatal("server timeouts must come from config")
		}
	})

	t.Run("main error path calls logFatalf", func(t *testing.T) {
		withConfig(t, config.Default())
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		initTelemetryFn = func(context.Context, telemetry.TraceConfig) (func(context.Context) error, error) {
			return nil, errors.New("telemetry init failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on error")
		}
	})
}

func TestRunPeacdEdges(t *testing.T) {
	listenOK := func(*http.Server) error { return nil }

	t.Run("config error", func(t *testing.T) {
		orig := loadConfigFn
		defer func() { loadConfigFn = orig }()
		loadConfigFn = func() (config.Config, error) { return config.Config{}, config.ErrInvalid }
		if err := runPeacd(noopTelemetry, memoryReplay, listenOK); !errors.Is(err, config.ErrInvalid) {
			t.Fatalf("expected config error, got %v", err)
		}
	})

	t.Run("hardening rejects production defaults", func(t *testing.T) {
		cfg := config.Default()
		cfg.Environment = "production"
		withConfig(t, cfg)
		called := false
		initFn := func(ctx context.Context, tc telemetry.TraceConfig) (func(context.Context) error, error) {
			called = true
			return noopTelemetry(ctx, tc)
		}
		err := runPeacd(initFn, memoryReplay, listenOK)
		if err == nil || !strings.Contains(err.Error(), "strict production hardening") {
			t.Fatalf("expected hardening failure, got %v", err)
		}
		if called {
			t.Fatal("telemetry must not start before hardening passes")
		}
	})

	t.Run("replay error", func(t *testing.T) {
		withConfig(t, config.Default())
		open := func(context.Context, config.Config) (replay.Store, func(), error) {
			return nil, nil, errors.New("replay down")
		}
		if err := runPeacd(noopTelemetry, open, listenOK); err == nil || err.Error() != "replay down" {
			t.Fatalf("expected replay error, got %v", err)
		}
	})

	t.Run("listen error closes the replay store", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.InsecureNoAdminToken = true
		withConfig(t, cfg)
		var closed atomic.Bool
		open := func(context.Context, config.Config) (replay.Store, func(), error) {
			return replay.NewMemoryStore(replay.MemoryOptions{}), func() { closed.Store(true) }, nil
		}
		err := runPeacd(noopTelemetry, open, func(*http.Server) error { return http.ErrServerClosed })
		if !errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("expected listen error, got %v", err)
		}
		if !closed.Load() {
			t.Fatal("replay store must be closed on exit")
		}
	})

	t.Run("missing admin token refuses to start", func(t *testing.T) {
		withConfig(t, config.Default())
		listened := false
		err := runPeacd(noopTelemetry, memoryReplay, func(*http.Server) error { listened = true; return nil })
		if !errors.Is(err, auth.ErrNoToken) || !strings.Contains(err.Error(), "PEAC_INSECURE_NO_ADMIN_TOKEN") {
			t.Fatalf("expected admin token error, got %v", err)
		}
		if listened {
			t.Fatal("server must not listen without an admin token")
		}
	})

	t.Run("server error", func(t *testing.T) {
		cfg := config.Default()
		cfg.Signing.KeyFile = filepath.Join(t.TempDir(), "missing.jwk")
		withConfig(t, cfg)
		if err := runPeacd(noopTelemetry, memoryReplay, listenOK); err == nil || !strings.Contains(err.Error(), "signing key") {
			t.Fatalf("expected signing key error, got %v", err)
		}
	})
}

func TestOpenReplayStore(t *testing.T) {
	ctx := context.Background()

	t.Run("none", func(t *testing.T) {
		cfg := config.Default()
		cfg.Replay.Backend = config.ReplayNone
		rs, closeFn, err := openReplayStore(ctx, cfg)
		if err != nil || rs != nil {
			t.Fatalf("expected no store, got %v %v", rs, err)
		}
		closeFn()
	})

	t.Run("memory", func(t *testing.T) {
		cfg := config.Default()
		cfg.Replay.Backend = config.ReplayMemory
		rs, closeFn, err := openReplayStore(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer closeFn()
		if _, ok := rs.(*replay.MemoryStore); !ok {
			t.Fatalf("expected memory store, got %T", rs)
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Default()
		cfg.Replay.Backend = config.ReplayRedis
		cfg.Redis.Addr = mr.Addr()
		rs, closeFn, err := openReplayStore(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer closeFn()
		rc := replay.Context{Issuer: "https://issuer.example", KeyID: "k1", Nonce: "n-1", TTL: time.Minute}
		if seen, err := rs.Seen(ctx, rc); err != nil || seen {
			t.Fatalf("first sighting: %v %v", seen, err)
		}
		if seen, err := rs.Seen(ctx, rc); err != nil || !seen {
			t.Fatalf("second sighting must be a replay: %v %v", seen, err)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Default()
		cfg.Replay.Backend = config.ReplaySQLite
		cfg.Replay.SQLitePath = filepath.Join(t.TempDir(), "replay.db")
		rs, closeFn, err := openReplayStore(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer closeFn()
		if _, ok := rs.(*replay.SQLiteStore); !ok {
			t.Fatalf("expected sqlite store, got %T", rs)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.Default()
		cfg.Replay.Backend = "etcd"
		if _, _, err := openReplayStore(ctx, cfg); err == nil {
			t.Fatal("expected unknown backend error")
		}
	})
}

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) Purge(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, p.err
}

func TestEveryRunsUntilStopped(t *testing.T) {
	p := &countingPurger{}
	stop := every(5*time.Millisecond, purgeFunc("test", p))
	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()
	n := p.calls.Load()
	if n < 2 {
		t.Fatalf("expected repeated purges, got %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	if p.calls.Load() != n {
		t.Fatal("purge ran after stop")
	}

	failing := &countingPurger{err: errors.New("locked")}
	purgeFunc("test", failing)(context.Background())
	if failing.calls.Load() != 1 {
		t.Fatal("failing purge must still be attempted")
	}
}
