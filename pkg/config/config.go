// Package config loads peacd and CLI settings from an optional YAML file
// named by PEAC_CONFIG, then applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvFile = "PEAC_CONFIG"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Environment string `yaml:"environment"`
	// StrictProduction enables hardening checks in production-like environments.
	StrictProduction bool `yaml:"strict_production"`

	Server     Server     `yaml:"server"`
	Signing    Signing    `yaml:"signing"`
	Verify     Verify     `yaml:"verify"`
	Replay     Replay     `yaml:"replay"`
	Redis      Redis      `yaml:"redis"`
	Postgres   Postgres   `yaml:"postgres"`
	Fetch      Fetch      `yaml:"fetch"`
	Cache      Cache      `yaml:"cache"`
	Breaker    Breaker    `yaml:"breaker"`
	Health     Health     `yaml:"health"`
	Providers  []Provider `yaml:"providers"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Settlement Settlement `yaml:"settlement"`
}

type Server struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	BodyLimit         int64         `yaml:"body_limit"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	// AdminToken guards the operational endpoints. peacd refuses to start
	// without one unless InsecureNoAdminToken is set.
	AdminToken           string `yaml:"admin_token"`
	InsecureNoAdminToken bool   `yaml:"insecure_no_admin_token"`
}

type Signing struct {
	KeyFile    string        `yaml:"key_file"`
	Issuer     string        `yaml:"issuer"`
	ReceiptTTL time.Duration `yaml:"receipt_ttl"`
}

type Verify struct {
	KeysFile             string        `yaml:"keys_file"`
	JWKSURLs             []string      `yaml:"jwks_urls"`
	JWKSTTL              time.Duration `yaml:"jwks_ttl"`
	StaleWhileRevalidate bool          `yaml:"stale_while_revalidate"`
	ClockSkew            time.Duration `yaml:"clock_skew"`
	MaxAge               time.Duration `yaml:"max_age"`
	RequireNonce         bool          `yaml:"require_nonce"`
}

// Replay backends.
const (
	ReplayNone     = "none"
	ReplayMemory   = "memory"
	ReplayRedis    = "redis"
	ReplayPostgres = "postgres"
	ReplaySQLite   = "sqlite"
)

type Replay struct {
	Backend    string        `yaml:"backend"`
	Capacity   int           `yaml:"capacity"`
	TTL        time.Duration `yaml:"ttl"`
	SQLitePath string        `yaml:"sqlite_path"`
}

type Redis struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	TLS              bool   `yaml:"tls"`
	RequireTLS       bool   `yaml:"require_tls"`
	TLSInsecure      bool   `yaml:"tls_insecure"`
	AllowInsecureTLS bool   `yaml:"allow_insecure_tls"`
	ServerName       string `yaml:"server_name"`
	CAFile           string `yaml:"ca_file"`
	CertFile         string `yaml:"cert_file"`
	KeyFile          string `yaml:"key_file"`
}

type Postgres struct {
	URL        string `yaml:"url"`
	RequireTLS bool   `yaml:"require_tls"`
	MaxConns   int32  `yaml:"max_conns"`
}

type Fetch struct {
	DiscoveryBudget  time.Duration `yaml:"discovery_budget"`
	MaxDocumentBytes int64         `yaml:"max_document_bytes"`
	UserAgent        string        `yaml:"user_agent"`
	// AllowPrivate only takes effect together with AcknowledgeRisk.
	AllowPrivate    bool `yaml:"allow_private"`
	AcknowledgeRisk bool `yaml:"acknowledge_risk"`
}

type Cache struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
}

type Breaker struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type Health struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
}

// Provider is either a remote HTTP verifier (URL set) or a local user-agent
// classifier (Allow/Block set).
type Provider struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Allow   []string      `yaml:"allow"`
	Block   []string      `yaml:"block"`
}

type RateLimit struct {
	// Backend is memory or redis. Empty disables limiting.
	Backend string        `yaml:"backend"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	Window  time.Duration `yaml:"window"`
	Limit   int           `yaml:"limit"`
}

type Telemetry struct {
	ServiceName  string   `yaml:"service_name"`
	HashSalt     string   `yaml:"hash_salt"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Settlement configures the built-in test settler. Real rails are injected by
// embedders.
type Settlement struct {
	TestMode bool   `yaml:"test_mode"`
	Rail     string `yaml:"rail"`
	Currency string `yaml:"currency"`
	Amount   int64  `yaml:"amount"`
}

// Default returns the configuration used when no file or env is present.
func Default() Config {
	return Config{
		Environment:      "development",
		StrictProduction: true,
		Server: Server{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			BodyLimit:         256 << 10,
		},
		Signing: Signing{Issuer: "https://peacd.local", ReceiptTTL: 5 * time.Minute},
		Verify:  Verify{JWKSTTL: 5 * time.Minute, StaleWhileRevalidate: true, ClockSkew: 120 * time.Second},
		Replay:  Replay{Backend: ReplayMemory, Capacity: 100_000, TTL: 5 * time.Minute},
		Redis:   Redis{Addr: "localhost:6379"},
		Postgres: Postgres{
			URL:      "postgres://peac@localhost:5432/peac?sslmode=disable",
			MaxConns: 10,
		},
		Fetch:     Fetch{DiscoveryBudget: 250 * time.Millisecond, MaxDocumentBytes: 256 << 10, UserAgent: "peacd/0.9"},
		Cache:     Cache{TTL: 60 * time.Second, Capacity: 10_000},
		Breaker:   Breaker{Threshold: 5, Cooldown: 30 * time.Second},
		Health:    Health{Interval: 30 * time.Second, Timeout: 5 * time.Second, UnhealthyThreshold: 3, HealthyThreshold: 2},
		RateLimit: RateLimit{RPS: 50, Burst: 100, Window: time.Minute, Limit: 600},
		Telemetry: Telemetry{ServiceName: "peacd", KafkaTopic: "peac.events"},
		Settlement: Settlement{
			Rail:     "x402",
			Currency: "USD",
		},
	}
}

// Load reads the file named by PEAC_CONFIG, if any, over the defaults and
// then applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(EnvFile)); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load with an explicit path and no environment.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.readFile(path); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) readFile(path string) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []string
	switch c.Replay.Backend {
	case ReplayNone, ReplayMemory, ReplayRedis, ReplayPostgres, ReplaySQLite:
	default:
		errs = append(errs, fmt.Sprintf("replay.backend %q is not one of none, memory, redis, postgres, sqlite", c.Replay.Backend))
	}
	if c.Replay.Backend == ReplaySQLite && c.Replay.SQLitePath == "" {
		errs = append(errs, "replay.sqlite_path is required for the sqlite backend")
	}
	switch c.RateLimit.Backend {
	case "", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("rate_limit.backend %q is not one of memory, redis", c.RateLimit.Backend))
	}
	if c.Fetch.DiscoveryBudget < 0 || c.Signing.ReceiptTTL < 0 {
		errs = append(errs, "durations must not be negative")
	}
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].name is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction reports whether Environment names a production-like profile.
func (c Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays PEAC_* variables. Malformed numbers and durations are
// errors rather than silently ignored.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}
	e.str("PEAC_ENV", &c.Environment)
	e.boolean("PEAC_STRICT_PRODUCTION", &c.StrictProduction)

	e.str("PEAC_ADDR", &c.Server.Addr)
	e.size("PEAC_BODY_LIMIT", &c.Server.BodyLimit)
	e.list("PEAC_CORS_ORIGINS", &c.Server.CORSOrigins)
	e.str("PEAC_ADMIN_TOKEN", &c.Server.AdminToken)
	e.boolean("PEAC_INSECURE_NO_ADMIN_TOKEN", &c.Server.InsecureNoAdminToken)

	e.str("PEAC_SIGNING_KEY_FILE", &c.Signing.KeyFile)
	e.str("PEAC_ISSUER", &c.Signing.Issuer)
	e.duration("PEAC_RECEIPT_TTL", &c.Signing.ReceiptTTL)

	e.str("PEAC_KEYS_FILE", &c.Verify.KeysFile)
	e.list("PEAC_JWKS_URLS", &c.Verify.JWKSURLs)
	e.duration("PEAC_JWKS_TTL", &c.Verify.JWKSTTL)
	e.duration("PEAC_CLOCK_SKEW", &c.Verify.ClockSkew)
	e.duration("PEAC_MAX_AGE", &c.Verify.MaxAge)
	e.boolean("PEAC_REQUIRE_NONCE", &c.Verify.RequireNonce)

	e.str("PEAC_REPLAY_BACKEND", &c.Replay.Backend)
	e.integer("PEAC_REPLAY_CAPACITY", &c.Replay.Capacity)
	e.duration("PEAC_REPLAY_TTL", &c.Replay.TTL)
	e.str("PEAC_REPLAY_SQLITE_PATH", &c.Replay.SQLitePath)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.integer("REDIS_DB", &c.Redis.DB)
	e.boolean("REDIS_TLS", &c.Redis.TLS)
	e.boolean("REDIS_REQUIRE_TLS", &c.Redis.RequireTLS)
	e.boolean("REDIS_TLS_INSECURE", &c.Redis.TLSInsecure)
	e.boolean("REDIS_ALLOW_INSECURE_TLS", &c.Redis.AllowInsecureTLS)
	e.str("REDIS_TLS_SERVER_NAME", &c.Redis.ServerName)
	e.str("REDIS_TLS_CA_CERT_FILE", &c.Redis.CAFile)
	e.str("REDIS_TLS_CERT_FILE", &c.Redis.CertFile)
	e.str("REDIS_TLS_KEY_FILE", &c.Redis.KeyFile)

	e.str("DATABASE_URL", &c.Postgres.URL)
	e.boolean("DATABASE_REQUIRE_TLS", &c.Postgres.RequireTLS)

	e.duration("PEAC_DISCOVERY_BUDGET", &c.Fetch.DiscoveryBudget)
	e.size("PEAC_MAX_DOCUMENT_BYTES", &c.Fetch.MaxDocumentBytes)
	e.boolean("PEAC_ALLOW_PRIVATE", &c.Fetch.AllowPrivate)
	e.boolean("PEAC_ACKNOWLEDGE_RISK", &c.Fetch.AcknowledgeRisk)

	e.duration("PEAC_CACHE_TTL", &c.Cache.TTL)
	e.integer("PEAC_CACHE_CAPACITY", &c.Cache.Capacity)

	e.str("PEAC_RATE_LIMIT_BACKEND", &c.RateLimit.Backend)
	e.float("PEAC_RATE_LIMIT_RPS", &c.RateLimit.RPS)
	e.integer("PEAC_RATE_LIMIT_BURST", &c.RateLimit.Burst)

	e.str("PEAC_HASH_SALT", &c.Telemetry.HashSalt)
	e.list("PEAC_KAFKA_BROKERS", &c.Telemetry.KafkaBrokers)
	e.str("PEAC_KAFKA_TOPIC", &c.Telemetry.KafkaTopic)

	e.boolean("PEAC_SETTLEMENT_TEST_MODE", &c.Settlement.TestMode)
	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) size(key string, dst *int64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = f
}

// duration accepts Go durations ("250ms") or bare milliseconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
