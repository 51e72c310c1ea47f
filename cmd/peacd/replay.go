package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/config"
	"github.com/peacprotocol/peac-sub013/pkg/replay"
	"github.com/peacprotocol/peac-sub013/pkg/store"
)

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// openReplayStore opens the configured backend. Table-backed stores get a
// background purge of expired nonces; the memory store a periodic sweep.
func openReplayStore(ctx context.Context, cfg config.Config) (replay.Store, func(), error) {
	interval := cfg.Replay.TTL
	if interval <= 0 {
		interval = replay.DefaultTTL
	}
	switch cfg.Replay.Backend {
	case config.ReplayNone:
		log.Printf("warn: replay protection disabled")
		return nil, func() {}, nil
	case config.ReplayMemory, "":
		mem := replay.NewMemoryStore(replay.MemoryOptions{Capacity: cfg.Replay.Capacity, Logf: log.Printf})
		stop := every(interval, func(context.Context) {
			if n := mem.Sweep(); n > 0 {
				log.Printf("replay: swept %d expired nonces", n)
			}
		})
		return mem, stop, nil
	case config.ReplayRedis:
		client, err := store.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return replay.NewRedisStore(client), func() { _ = client.Close() }, nil
	case config.ReplayPostgres:
		pool, err := store.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		pg := replay.NewPostgresStore(pool)
		stop := every(interval, purgeFunc("postgres", pg))
		return pg, func() { stop(); pool.Close() }, nil
	case config.ReplaySQLite:
		lite, err := replay.OpenSQLite(ctx, cfg.Replay.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		stop := every(interval, purgeFunc("sqlite", lite))
		return lite, func() { stop(); _ = lite.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown replay backend %q", cfg.Replay.Backend)
	}
}

func purgeFunc(name string, p purger) func(context.Context) {
	return func(ctx context.Context) {
		n, err := p.Purge(ctx)
		if err != nil {
			log.Printf("warn: replay %s purge: %v", name, err)
			return
		}
		if n > 0 {
			log.Printf("replay: purged %d expired %s nonces", n, name)
		}
	}
}

// every runs fn on a ticker until the returned stop func is called. stop
// waits for an in-flight run to finish.
func every(interval time.Duration, fn func(context.Context)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
