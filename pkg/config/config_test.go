package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Fetch.DiscoveryBudget != 250*time.Millisecond || cfg.Replay.Backend != ReplayMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.IsProduction() {
		t.Fatal("default environment must not be production")
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "peacd.yaml")
	raw := `
environment: production
server:
  addr: ":9090"
  cors_origins: ["https://app.example"]
replay:
  backend: redis
  ttl: 10m
verify:
  jwks_urls:
    - https://issuer.example/.well-known/jwks.json
fetch:
  discovery_budget: 400ms
providers:
  - name: ua
    allow: [googlebot]
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Replay.Backend != ReplayRedis || cfg.Replay.TTL != 10*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Fetch.DiscoveryBudget != 400*time.Millisecond || len(cfg.Verify.JWKSURLs) != 1 {
		t.Fatalf("unexpected fetch/verify config %+v %+v", cfg.Fetch, cfg.Verify)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Fatal("unset fields must keep their defaults")
	}
	if !cfg.IsProduction() || len(cfg.Providers) != 1 {
		t.Fatalf("unexpected environment or providers %+v", cfg)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string]string{
		"syntax":         "server: [",
		"replay backend": "replay:\n  backend: etcd\n",
		"sqlite path":    "replay:\n  backend: sqlite\n",
		"provider name":  "providers:\n  - url: https://p.example\n",
	}
	for name, raw := range cases {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("missing file must be a read error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"PEAC_ADDR":             ":7070",
		"PEAC_DISCOVERY_BUDGET": "150",
		"PEAC_RECEIPT_TTL":      "2m",
		"PEAC_JWKS_URLS":        "https://a.example/jwks, ,https://b.example/jwks",
		"PEAC_REQUIRE_NONCE":    "true",
		"REDIS_DB":              "3",
		"PEAC_RATE_LIMIT_RPS":   "2.5",
		"PEAC_ISSUER":           "   ",

		"PEAC_INSECURE_NO_ADMIN_TOKEN": "true",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Server.Addr != ":7070" || cfg.Fetch.DiscoveryBudget != 150*time.Millisecond || cfg.Signing.ReceiptTTL != 2*time.Minute {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if len(cfg.Verify.JWKSURLs) != 2 || !cfg.Verify.RequireNonce || cfg.Redis.DB != 3 || cfg.RateLimit.RPS != 2.5 {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Verify, cfg.Redis)
	}
	if cfg.Signing.Issuer != Default().Signing.Issuer {
		t.Fatal("blank values must not override")
	}
	if !cfg.Server.InsecureNoAdminToken || Default().Server.InsecureNoAdminToken {
		t.Fatal("open admin endpoints must be opt-in")
	}
}

func TestApplyEnvReportsMalformedValues(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"PEAC_REQUIRE_NONCE":  "sometimes",
		"PEAC_CACHE_CAPACITY": "many",
		"PEAC_REPLAY_TTL":     "soon",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for key := range env {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error must name %s: %v", key, err)
		}
	}
}

func TestLoadUsesEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peacd.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":6060\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvFile, path)
	t.Setenv("PEAC_REPLAY_BACKEND", "none")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":6060" || cfg.Replay.Backend != ReplayNone {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
