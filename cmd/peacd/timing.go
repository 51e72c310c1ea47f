package main

import (
	"context"
	"net/url"
	"path"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/engine"
	"github.com/peacprotocol/peac-sub013/pkg/metrics"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/replay"
	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
)

// timedFetcher records fetch latency under the last path segment, which is
// one of a handful of well-known document names.
type timedFetcher struct {
	next engine.Fetcher
	reg  *metrics.Registry
}

func (f timedFetcher) Fetch(ctx context.Context, rawURL string, opts safefetch.Options) (*safefetch.Response, error) {
	start := time.Now()
	resp, err := f.next.Fetch(ctx, rawURL, opts)
	f.reg.Time(metrics.Fetch, fetchOp(rawURL), time.Since(start))
	return resp, err
}

func fetchOp(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/"
	}
	return path.Base(u.Path)
}

type timedVerifier struct {
	next engine.Verifier
	reg  *metrics.Registry
}

func (v timedVerifier) Verify(ctx context.Context, req engine.VerifyRequest) (receipt.Result, error) {
	start := time.Now()
	res, err := v.next.Verify(ctx, req)
	v.reg.Time(metrics.Verify, "receipt", time.Since(start))
	return res, err
}

type timedReplay struct {
	next replay.Store
	name string
	reg  *metrics.Registry
}

func (s timedReplay) Seen(ctx context.Context, rc replay.Context) (bool, error) {
	start := time.Now()
	seen, err := s.next.Seen(ctx, rc)
	s.reg.Time(metrics.Replay, s.name, time.Since(start))
	return seen, err
}

// timeReplay wraps rs unless replay protection is off.
func timeReplay(rs replay.Store, backend string, reg *metrics.Registry) replay.Store {
	if rs == nil {
		return nil
	}
	if backend == "" {
		backend = "memory"
	}
	return timedReplay{next: rs, name: backend, reg: reg}
}
