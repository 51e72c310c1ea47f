// Package vcache caches provider verification results by request fingerprint
// and coalesces concurrent identical requests into a single computation.
package vcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/peacprotocol/peac-sub013/pkg/canonical"
)

const (
	DefaultTTL      = 60 * time.Second
	DefaultCapacity = 10000
	// DefaultComputeTimeout bounds a shared computation once it no longer
	// follows the context of the caller that started it.
	DefaultComputeTimeout = 5 * time.Second
)

type Verdict string

const (
	Trusted    Verdict = "trusted"
	Suspicious Verdict = "suspicious"
	Unknown    Verdict = "unknown"
	Blocked    Verdict = "blocked"
)

// Request identifies the caller being verified. Identity, when set, replaces
// the IP and user agent in the fingerprint.
type Request struct {
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Identity  string `json:"identity,omitempty"`
}

func (r Request) Fingerprint() string {
	if r.Identity != "" {
		return canonical.Digest("id", r.Namespace, r.Identity)
	}
	return canonical.Digest("req", r.Namespace, r.ClientIP, r.UserAgent)
}

type Result struct {
	Provider   string  `json:"provider"`
	Verdict    Verdict `json:"result"`
	Confidence float64 `json:"confidence"`
	FromCache  bool    `json:"from_cache"`
}

type ComputeFunc func(ctx context.Context) (Result, error)

type Options struct {
	TTL            time.Duration
	Capacity       int
	ComputeTimeout time.Duration
	Now            func() time.Time
}

type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Size      int     `json:"size"`
	InFlight  int     `json:"in_flight"`
	Evictions uint64  `json:"evictions"`
}

type entry struct {
	key     string
	result  Result
	expires time.Time
}

type Cache struct {
	ttl      time.Duration
	capacity int
	timeout  time.Duration
	now      func() time.Time
	group    singleflight.Group

	mu        sync.Mutex
	ll        *list.List
	items     map[string]*list.Element
	inflight  map[string]int
	hits      uint64
	misses    uint64
	evictions uint64
}

func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = DefaultComputeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		timeout:  opts.ComputeTimeout,
		now:      opts.Now,
		ll:       list.New(),
		items:    map[string]*list.Element{},
		inflight: map[string]int{},
	}
}

// GetOrCompute returns the cached result for req, joins an identical in-flight
// computation, or runs compute once. Only compute errors are returned, and they
// are not cached.
//
// The shared computation is detached from the starting caller's cancellation
// and bounded by ComputeTimeout instead; every caller still returns as soon as
// its own ctx is done.
func (c *Cache) GetOrCompute(ctx context.Context, req Request, compute ComputeFunc) (Result, error) {
	key := req.Fingerprint()

	c.mu.Lock()
	if res, ok := c.lookupLocked(key); ok {
		c.hits++
		c.mu.Unlock()
		return res, nil
	}
	// inflight counts the callers waiting on key.
	if c.inflight[key] > 0 {
		c.hits++
	} else {
		c.misses++
	}
	c.inflight[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[key]--; c.inflight[key] <= 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// A caller arriving after the previous flight finished finds its result here.
		c.mu.Lock()
		if res, ok := c.lookupLocked(key); ok {
			c.mu.Unlock()
			return res, nil
		}
		c.mu.Unlock()

		res, err := c.run(flightCtx, compute)
		if err != nil {
			return Result{}, err
		}
		res.FromCache = false
		c.mu.Lock()
		c.storeLocked(key, res)
		c.mu.Unlock()
		return res, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// run calls compute under the shared timeout and turns a panic into an error.
func (c *Cache) run(ctx context.Context, compute ComputeFunc) (res Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			res, err = Result{}, fmt.Errorf("%w: %v", ErrComputePanic, p)
		}
	}()
	return compute(ctx)
}

func (c *Cache) lookupLocked(key string) (Result, bool) {
	el, ok := c.items[key]
	if !ok {
		return Result{}, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		return Result{}, false
	}
	c.ll.MoveToFront(el)
	res := e.result
	res.FromCache = true
	return res, true
}

func (c *Cache) storeLocked(key string, res Result) {
	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.result, e.expires = res, expires
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&entry{key: key, result: res, expires: expires})
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
		c.evictions++
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Size:      c.ll.Len(),
		InFlight:  len(c.inflight),
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Purge drops every cached result. In-flight computations are unaffected.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = map[string]*list.Element{}
}
