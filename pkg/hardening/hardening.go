// Package hardening rejects configurations that are unsafe to run in a
// production-like environment.
package hardening

import (
	"fmt"
	"strings"

	"github.com/peacprotocol/peac-sub013/pkg/config"
	"github.com/peacprotocol/peac-sub013/pkg/store"
)

type Requirement struct {
	Name  string
	Value string
}

// ValidateProduction returns the first violation found in cfg. Non-production
// environments, and production with StrictProduction off, always pass.
func ValidateProduction(service string, cfg config.Config, required ...Requirement) error {
	if !cfg.IsProduction() || !cfg.StrictProduction {
		return nil
	}
	service = strings.TrimSpace(service)
	if service == "" {
		service = "service"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...)
	}

	switch cfg.Replay.Backend {
	case config.ReplayMemory, config.ReplayNone:
		return fail("requires a shared replay backend, got %q", cfg.Replay.Backend)
	case config.ReplayPostgres:
		if err := validatePostgresTLS(cfg.Postgres); err != nil {
			return fail("%v", err)
		}
	}
	if cfg.Fetch.AllowPrivate || cfg.Fetch.AcknowledgeRisk {
		return fail("forbids fetching private addresses")
	}
	if cfg.Replay.Backend == config.ReplayRedis || cfg.RateLimit.Backend == "redis" {
		if !cfg.Redis.RequireTLS || !cfg.Redis.TLS {
			return fail("requires REDIS_TLS=true and REDIS_REQUIRE_TLS=true")
		}
		if cfg.Redis.TLSInsecure || cfg.Redis.AllowInsecureTLS {
			return fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if cfg.Settlement.TestMode {
		return fail("forbids the test settlement rail")
	}
	if strings.TrimSpace(cfg.Signing.KeyFile) == "" {
		return fail("requires a persistent signing key")
	}
	if err := validateCORSOrigins(cfg.Server.CORSOrigins); err != nil {
		return fail("%v", err)
	}
	for _, req := range required {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fail("requires %s", req.Name)
		}
	}
	return nil
}

func validatePostgresTLS(pg config.Postgres) error {
	if !pg.RequireTLS {
		return fmt.Errorf("requires DATABASE_REQUIRE_TLS=true")
	}
	return store.CheckPostgresTLS(pg.URL)
}

// validateCORSOrigins allows an empty list, which disables CORS entirely.
func validateCORSOrigins(origins []string) error {
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("forbids CORS wildcard origin")
		}
		for _, local := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
			if strings.HasPrefix(lower, local) {
				return fmt.Errorf("forbids localhost CORS origin %q", o)
			}
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("requires HTTPS CORS origin, got %q", o)
		}
	}
	return nil
}
