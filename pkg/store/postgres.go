package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peacprotocol/peac-sub013/pkg/config"
)

// Dial knobs, overridden in tests.
var (
	newPool         = pgxpool.NewWithConfig
	connectAttempts = 30
	connectBackoff  = 2 * time.Second
	pingTimeout     = 2 * time.Second
)

const defaultPostgresURL = "postgres://peac@localhost:5432/peac?sslmode=disable"

// NewPostgresPool connects with retries so the service can start before the
// database is reachable. ctx bounds the whole retry loop.
func NewPostgresPool(ctx context.Context, pg config.Postgres) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(pg)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, connectBackoff); err != nil {
				return nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool, err := newPool(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		if lastErr = ping(ctx, pool); lastErr == nil {
			return pool, nil
		}
		pool.Close()
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", connectAttempts, lastErr)
}

func poolConfig(pg config.Postgres) (*pgxpool.Config, error) {
	dsn := strings.TrimSpace(pg.URL)
	if dsn == "" {
		dsn = defaultPostgresURL
	}
	if pg.RequireTLS {
		if err := CheckPostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "peacd"
	cfg.MaxConns = 10
	if pg.MaxConns > 0 {
		cfg.MaxConns = pg.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	return cfg, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return pool.Ping(ctx)
}

func backoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CheckPostgresTLS accepts only DSNs whose sslmode guarantees an encrypted
// connection.
func CheckPostgresTLS(dsn string) error {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_URL sslmode=%q is insecure", mode)
	}
}
