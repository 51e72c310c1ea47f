package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/peacprotocol/peac-sub013/pkg/auth"
	"github.com/peacprotocol/peac-sub013/pkg/breaker"
	"github.com/peacprotocol/peac-sub013/pkg/config"
	"github.com/peacprotocol/peac-sub013/pkg/engine"
	"github.com/peacprotocol/peac-sub013/pkg/eventbus"
	"github.com/peacprotocol/peac-sub013/pkg/health"
	"github.com/peacprotocol/peac-sub013/pkg/httpx"
	"github.com/peacprotocol/peac-sub013/pkg/keys"
	"github.com/peacprotocol/peac-sub013/pkg/metrics"
	"github.com/peacprotocol/peac-sub013/pkg/problem"
	"github.com/peacprotocol/peac-sub013/pkg/provider"
	"github.com/peacprotocol/peac-sub013/pkg/ratelimit"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/replay"
	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
	"github.com/peacprotocol/peac-sub013/pkg/store"
	"github.com/peacprotocol/peac-sub013/pkg/stream"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
	"github.com/peacprotocol/peac-sub013/pkg/vcache"
)

type Server struct {
	Config    config.Config
	Engine    *engine.Engine
	Replay    replay.Store
	Providers *provider.Registry
	Breakers  *breaker.Set
	Monitor   *health.Monitor
	Cache     *vcache.Cache
	Crawlers  *vcache.Verifier
	Limiter   ratelimit.Limiter
	Hub       *stream.Hub
	Metrics   *metrics.Registry

	adminGuard func(http.Handler) http.Handler
	closers    []func()
}

var newKafkaPublisher = func(cfg eventbus.KafkaConfig) (telemetry.Sink, func() error, error) {
	p, err := eventbus.NewPublisher(cfg)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

func newServer(ctx context.Context, cfg config.Config, rs replay.Store) (*Server, error) {
	s := &Server{
		Config:  cfg,
		Replay:  rs,
		Hub:     stream.NewHub(),
		Metrics: metrics.NewRegistry(),
	}
	signer, err := loadSigner(cfg.Signing)
	if err != nil {
		return nil, err
	}
	local, err := loadVerifyKeys(cfg.Verify.KeysFile)
	if err != nil {
		return nil, err
	}
	s.adminGuard, err = auth.Guard(cfg.Server.AdminToken, cfg.Server.InsecureNoAdminToken)
	if err != nil {
		return nil, fmt.Errorf("%w: set PEAC_ADMIN_TOKEN or PEAC_INSECURE_NO_ADMIN_TOKEN=true", err)
	}
	if strings.TrimSpace(cfg.Server.AdminToken) == "" {
		log.Printf("warn: operational endpoints are open without an admin token")
	}

	fetcher := safefetch.New()
	fetcher.UserAgent = cfg.Fetch.UserAgent
	fetcher.Wrap = telemetry.WrapTransport
	fetchOpts := safefetch.Options{
		AllowPrivate:    cfg.Fetch.AllowPrivate,
		AcknowledgeRisk: cfg.Fetch.AcknowledgeRisk,
	}
	if fetchOpts.AllowPrivate && fetchOpts.AcknowledgeRisk {
		log.Printf("warn: private address fetching enabled")
	}

	chain := keys.Chain{receipt.KeyMap{signer.KeyID(): signer.Public()}}
	if local != nil {
		chain = append(chain, local)
	}
	verifier := &engine.FullVerifier{
		Keys: chain,
		Remote: keys.NewRemote(timedFetcher{fetcher, s.Metrics}, keys.RemoteOptions{
			TTL:                  cfg.Verify.JWKSTTL,
			StaleWhileRevalidate: cfg.Verify.StaleWhileRevalidate,
			Fetch:                fetchOpts,
		}),
		JWKSURLs:     cfg.Verify.JWKSURLs,
		Replay:       timeReplay(rs, string(cfg.Replay.Backend), s.Metrics),
		ReplayTTL:    cfg.Replay.TTL,
		RequireNonce: cfg.Verify.RequireNonce,
		Options: receipt.VerifyOptions{
			ClockSkew: cfg.Verify.ClockSkew,
			MaxAge:    cfg.Verify.MaxAge,
		},
		Logf: log.Printf,
	}

	sinks := []telemetry.Sink{s.Hub, s.Metrics}
	if len(cfg.Telemetry.KafkaBrokers) > 0 {
		sink, closeSink, err := newKafkaPublisher(eventbus.KafkaConfig{
			Brokers: cfg.Telemetry.KafkaBrokers,
			Topic:   cfg.Telemetry.KafkaTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		sinks = append(sinks, sink)
		s.closers = append(s.closers, func() { _ = closeSink() })
	}

	var settler engine.Settler
	if cfg.Settlement.TestMode {
		log.Printf("warn: test settlement rail %q enabled", cfg.Settlement.Rail)
		settler = engine.TestSettler{Rail: cfg.Settlement.Rail, Amount: cfg.Settlement.Amount, Currency: cfg.Settlement.Currency}
	}

	s.Engine = engine.New(engine.Options{
		Fetcher:          timedFetcher{fetcher, s.Metrics},
		Fetch:            fetchOpts,
		DiscoveryBudget:  cfg.Fetch.DiscoveryBudget,
		MaxDocumentBytes: cfg.Fetch.MaxDocumentBytes,
		Signer:           signer,
		Issuer:           cfg.Signing.Issuer,
		ReceiptTTL:       cfg.Signing.ReceiptTTL,
		Verifier:         timedVerifier{verifier, s.Metrics},
		Settler:          settler,
		Hooks:            telemetry.NewEmitter(sinks...),
		Hasher:           telemetry.Hasher{Salt: []byte(cfg.Telemetry.HashSalt)},
	})

	if err := s.buildProviders(cfg); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildLimiter(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}
	s.Metrics.Collect(s.collectGauges)
	return s, nil
}

func (s *Server) buildProviders(cfg config.Config) error {
	reg, err := provider.NewRegistry()
	if err != nil {
		return err
	}
	for _, p := range cfg.Providers {
		var prov provider.Provider
		if strings.TrimSpace(p.URL) != "" {
			prov = provider.NewHTTP(p.Name, p.URL, provider.HTTPOptions{
				Client:  telemetry.InstrumentClient(&http.Client{Timeout: p.Timeout}),
				Token:   p.Token,
				Retries: p.Retries,
			})
		} else {
			prov = provider.NewUserAgent(p.Name, p.Allow, p.Block)
		}
		if err := reg.Register(prov); err != nil {
			return err
		}
	}
	s.Providers = reg
	s.Breakers = breaker.NewSet(breaker.Options{Threshold: cfg.Breaker.Threshold, Cooldown: cfg.Breaker.Cooldown})
	s.Monitor = health.NewMonitor(reg.Checkers(), health.Options{
		Interval:           cfg.Health.Interval,
		Timeout:            cfg.Health.Timeout,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
		Breakers:           s.Breakers,
		OnChange: func(st health.Status) {
			log.Printf("provider %s healthy=%t: %s", st.Name, st.Healthy, st.LastError)
		},
	})
	s.Cache = vcache.New(vcache.Options{TTL: cfg.Cache.TTL, Capacity: cfg.Cache.Capacity})
	s.Crawlers = &vcache.Verifier{
		Cache:    s.Cache,
		Breakers: s.Breakers,
		Backends: reg.Backends(),
		Healthy:  s.Monitor.Healthy,
	}
	s.closers = append(s.closers, s.Monitor.Stop)
	return nil
}

func (s *Server) buildLimiter(ctx context.Context, cfg config.Config) error {
	switch cfg.RateLimit.Backend {
	case "":
		return nil
	case "memory":
		s.Limiter = ratelimit.NewInMemory(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	case "redis":
		client, err := store.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("rate limit redis: %w", err)
		}
		s.Limiter = ratelimit.NewRedis(client, cfg.RateLimit.Window, cfg.RateLimit.Limit)
		s.closers = append(s.closers, func() { _ = client.Close() })
	default:
		return fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
	return nil
}

func (s *Server) collectGauges(reg *metrics.Registry) {
	for _, st := range s.Breakers.Snapshot() {
		reg.SetGauge("breaker_state:"+st.Name, float64(st.State))
	}
	cs := s.Cache.Stats()
	reg.SetGauge("vcache_size", float64(cs.Size))
	reg.SetGauge("vcache_hit_rate", cs.HitRate)
	reg.SetGauge("vcache_evictions", float64(cs.Evictions))
	reg.SetGauge("stream_subscribers", float64(s.Hub.Subscribers()))
	reg.SetGauge("stream_dropped", float64(s.Hub.Dropped()))
	if mem, ok := s.Replay.(*replay.MemoryStore); ok {
		reg.SetGauge("replay_entries", float64(mem.Len()))
		reg.SetGauge("replay_evictions", float64(mem.Evictions()))
	}
}

// Close releases everything newServer opened, in reverse order.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(problem.Recoverer)
	r.Use(httpx.CORSMiddleware(s.Config.Server.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("peacd"))
	r.Use(s.Metrics.Middleware)
	r.NotFound(problem.NotFound)
	r.MethodNotAllowed(problem.MethodNotAllowed)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "peacd", "version": receipt.WireVersion})
	})
	r.Group(func(r chi.Router) {
		if s.Limiter != nil {
			r.Use(ratelimit.Middleware(s.Limiter, clientKey))
		}
		r.Post("/v1/verify", s.verify)
		r.Post("/v1/verify/batch", s.verifyBatch)
		r.Post("/v1/enforce", s.enforce)
		r.Get("/v1/discover", s.discover)
		r.Post("/v1/hash", s.hash)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.adminGuard)
		r.Get("/v1/providers/health", s.providersHealth)
		r.Get("/v1/cache/stats", s.cacheStats)
		r.Get("/v1/events", s.events)
		r.Get("/metrics", s.Metrics.PrometheusHandler())
		r.Get("/metrics.json", s.Metrics.Handler())
	})
	return r
}

func clientKey(r *http.Request) string {
	return httpx.ClientIP(r, false)
}

// loadSigner reads the signing key file. Without one an ephemeral key is
// generated, so receipts stop verifying after a restart.
func loadSigner(cfg config.Signing) (*receipt.Signer, error) {
	if path := strings.TrimSpace(cfg.KeyFile); path != "" {
		kid, priv, err := keys.LoadPrivateKey(path)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		return receipt.NewSigner(priv, kid)
	}
	kid := "ephemeral-" + uuid.NewString()[:8]
	jwk, err := keys.Generate(kid, rand.Reader)
	if err != nil {
		return nil, err
	}
	priv, err := jwk.PrivateKey()
	if err != nil {
		return nil, err
	}
	log.Printf("warn: no signing key configured, using ephemeral key %s", kid)
	return receipt.NewSigner(priv, kid)
}

func loadVerifyKeys(path string) (*keys.Set, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	set, err := keys.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("verify keys: %w", err)
	}
	return set, nil
}
