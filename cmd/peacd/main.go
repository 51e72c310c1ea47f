package main

import (
	"context"
	"log"
	"net/http"

	"github.com/peacprotocol/peac-sub013/pkg/config"
	"github.com/peacprotocol/peac-sub013/pkg/hardening"
	"github.com/peacprotocol/peac-sub013/pkg/replay"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	loadConfigFn    = config.Load
	openReplayFn    func(context.Context, config.Config) (replay.Store, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runPeacd(initTelemetryFn, openReplayFn, listenFn); err != nil {
		logFatalf("peacd: %v", err)
	}
}

func runPeacd(
	initTelemetry func(context.Context, telemetry.TraceConfig) (func(context.Context) error, error),
	openReplay func(context.Context, config.Config) (replay.Store, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openReplay == nil {
		openReplay = openReplayStore
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction("peacd", cfg,
		hardening.Requirement{Name: "PEAC_ADMIN_TOKEN", Value: cfg.Server.AdminToken},
		hardening.Requirement{Name: "PEAC_HASH_SALT", Value: cfg.Telemetry.HashSalt},
	); err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, telemetry.TraceConfigFromEnv(cfg.Telemetry.ServiceName))
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store, closeStore, err := openReplay(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	s, err := newServer(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer s.Close()
	s.Monitor.Start(ctx)

	log.Printf("peacd listening on %s (replay=%s, providers=%d)", cfg.Server.Addr, cfg.Replay.Backend, len(s.Providers.List()))
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	return listen(server)
}
