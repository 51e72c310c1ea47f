package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRemoteTTL = 5 * time.Minute
	// DefaultRemoteMaxBytes caps a fetched JWKS document.
	DefaultRemoteMaxBytes = 1 << 20
	// DefaultMinRefreshInterval spaces out forced refreshes of one URL.
	DefaultMinRefreshInterval = 30 * time.Second
	// DefaultFetchTimeout bounds a shared fetch detached from its caller.
	DefaultFetchTimeout = 5 * time.Second
)

// Fetcher is satisfied by *safefetch.Client.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts safefetch.Options) (*safefetch.Response, error)
}

type RemoteOptions struct {
	TTL time.Duration
	// StaleWhileRevalidate serves the expired set when a refresh fails.
	StaleWhileRevalidate bool
	// MinRefreshInterval is the least time between two fetches of one URL
	// forced through Refresh.
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration
	Fetch              safefetch.Options
	Now                func() time.Time
}

// Remote caches JWKS documents fetched through safefetch. Concurrent refreshes
// of one URL share a single fetch.
type Remote struct {
	fetcher Fetcher
	opts    RemoteOptions
	group   singleflight.Group

	mu       sync.RWMutex
	entries  map[string]remoteEntry
	attempts map[string]time.Time
}

type remoteEntry struct {
	set       *Set
	expiresAt time.Time
}

func NewRemote(f Fetcher, opts RemoteOptions) *Remote {
	if opts.TTL <= 0 {
		opts.TTL = DefaultRemoteTTL
	}
	if opts.Fetch.MaxBytes <= 0 {
		opts.Fetch.MaxBytes = DefaultRemoteMaxBytes
	}
	opts.Fetch.RequireOK = true
	if opts.Fetch.Headers == nil {
		opts.Fetch.Headers = map[string]string{"Accept": "application/json"}
	}
	if opts.MinRefreshInterval <= 0 {
		opts.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Remote{fetcher: f, opts: opts, entries: map[string]remoteEntry{}, attempts: map[string]time.Time{}}
}

// Get returns the key set published at url, refreshing it once the TTL lapses.
func (r *Remote) Get(ctx context.Context, url string) (*Set, error) {
	r.mu.RLock()
	entry, ok := r.entries[url]
	r.mu.RUnlock()
	if ok && r.opts.Now().Before(entry.expiresAt) {
		return entry.set, nil
	}
	set, err := r.fetch(ctx, url)
	if err != nil {
		if ok && r.opts.StaleWhileRevalidate {
			return entry.set, nil
		}
		return nil, err
	}
	return set, nil
}

// Refresh refetches url ahead of its TTL, for example after an unknown kid.
// At most one forced fetch per MinRefreshInterval reaches the network; calls
// inside the interval behave like Get. A failed fetch leaves the cached set
// in place and that set is returned.
func (r *Remote) Refresh(ctx context.Context, url string) (*Set, error) {
	now := r.opts.Now()
	r.mu.Lock()
	entry, ok := r.entries[url]
	last, tried := r.attempts[url]
	throttled := tried && now.Sub(last) < r.opts.MinRefreshInterval
	if !throttled {
		r.attempts[url] = now
	}
	r.mu.Unlock()
	if throttled {
		return r.Get(ctx, url)
	}
	set, err := r.fetch(ctx, url)
	if err != nil {
		if ok {
			return entry.set, nil
		}
		return nil, err
	}
	return set, nil
}

// fetch shares one network fetch per url between concurrent callers. The
// fetch runs detached from any single caller and is bounded by FetchTimeout;
// each caller stops waiting when its own ctx is done.
func (r *Remote) fetch(ctx context.Context, url string) (*Set, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(url, func() (v any, err error) {
		defer func() {
			if p := recover(); p != nil {
				v, err = nil, fmt.Errorf("jwks fetch %s panicked: %v", url, p)
			}
		}()
		ctx, cancel := context.WithTimeout(flightCtx, r.opts.FetchTimeout)
		defer cancel()
		return r.refresh(ctx, url)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Set), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh swaps the cached entry only after a successful fetch and parse.
func (r *Remote) refresh(ctx context.Context, url string) (*Set, error) {
	resp, err := r.fetcher.Fetch(ctx, url, r.opts.Fetch)
	if err != nil {
		return nil, err
	}
	set, err := ParseJWKS(resp.Body)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.entries[url] = remoteEntry{set: set, expiresAt: r.opts.Now().Add(r.opts.TTL)}
	r.mu.Unlock()
	return set, nil
}

// Put seeds the cache, mainly for keys learned from peac.txt.
func (r *Remote) Put(url string, set *Set) {
	r.mu.Lock()
	r.entries[url] = remoteEntry{set: set, expiresAt: r.opts.Now().Add(r.opts.TTL)}
	r.mu.Unlock()
}

// Invalidate drops the cached set for url, leaving nothing stale to serve.
func (r *Remote) Invalidate(url string) {
	r.mu.Lock()
	delete(r.entries, url)
	r.mu.Unlock()
}

// Prune drops expired entries and returns how many were removed.
func (r *Remote) Prune() int {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for url, e := range r.entries {
		if !now.Before(e.expiresAt) {
			delete(r.entries, url)
			n++
		}
	}
	return n
}
