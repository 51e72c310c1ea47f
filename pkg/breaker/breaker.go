// Package breaker gates calls to upstream verification providers. A breaker
// opens after a run of consecutive failures and fails fast until its cooldown
// elapses, then lets a single trial call through.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

var ErrCircuitOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OpenError is returned by Execute while the breaker rejects calls.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

type Options struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Stats struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
}

type Breaker struct {
	name string
	opts Options

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
}

func New(name string, opts Options) *Breaker {
	return &Breaker{name: name, opts: opts.withDefaults()}
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. Caller cancellation is not
// counted against the upstream.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trial, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(callErr, trial)
	return callErr
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Now()
	switch b.state {
	case Open:
		if wait := b.openedAt.Add(b.opts.Cooldown).Sub(now); wait > 0 {
			return false, &OpenError{Name: b.name, RetryAfter: wait}
		}
		b.state = HalfOpen
		b.probing = true
		return true, nil
	case HalfOpen:
		if b.probing {
			return false, &OpenError{Name: b.name}
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}
	if err == nil {
		b.failures = 0
		b.state = Closed
		return
	}
	if errors.Is(err, context.Canceled) {
		// An abandoned trial call leaves the breaker half-open for the next caller.
		return
	}
	now := b.opts.Now()
	b.failures++
	b.lastFailure = now
	if b.state == HalfOpen || b.failures >= b.opts.Threshold {
		b.state = Open
		b.openedAt = now
	}
}

// ForceOpen opens the breaker regardless of its failure count.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.openedAt = b.opts.Now()
	b.probing = false
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// State reports the current state. An open breaker whose cooldown has elapsed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && !b.opts.Now().Before(b.openedAt.Add(b.opts.Cooldown)) {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.name,
		State:       b.stateLocked(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

// Set holds one breaker per provider, created on first use.
type Set struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewSet(opts Options) *Set {
	return &Set{opts: opts.withDefaults(), breakers: map[string]*Breaker{}}
}

func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.opts)
		s.breakers[name] = b
	}
	return b
}

func (s *Set) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return s.Get(name).Execute(ctx, fn)
}

func (s *Set) Snapshot() []Stats {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()
	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
