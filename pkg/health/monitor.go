// Package health polls provider health checks on an interval and flips
// provider status with hysteresis, feeding breaker state.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peacprotocol/peac-sub013/pkg/breaker"
)

const (
	DefaultInterval           = time.Second
	DefaultTimeout            = 50 * time.Millisecond
	DefaultUnhealthyThreshold = 3
	DefaultHealthyThreshold   = 2
)

type Checker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

type Status struct {
	Name                 string    `json:"name"`
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheckedAt        time.Time `json:"last_checked_at,omitempty"`
	LatencyMs            float64   `json:"latency_ms"`
	LastError            string    `json:"last_error,omitempty"`
}

type Options struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
	// Breakers, when set, is forced open on an unhealthy flip and reset on recovery.
	Breakers *breaker.Set
	// OnChange is called after a provider flips, outside the monitor lock.
	OnChange func(Status)
	Now      func() time.Time
}

type Monitor struct {
	checkers []Checker
	opts     Options

	mu     sync.Mutex
	status map[string]*Status

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewMonitor registers every checker as healthy.
func NewMonitor(checkers []Checker, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if opts.HealthyThreshold <= 0 {
		opts.HealthyThreshold = DefaultHealthyThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{
		checkers: append([]Checker(nil), checkers...),
		opts:     opts,
		status:   make(map[string]*Status, len(checkers)),
	}
	for _, c := range checkers {
		m.status[c.Name()] = &Status{Name: c.Name(), Healthy: true}
	}
	return m
}

// Start launches the polling loop. It is a no-op if already running or stopped.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done != nil || m.stopped {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// Stop cancels the loop and blocks until it has exited. No checks are applied
// after Stop returns.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.stopped = true
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

type outcome struct {
	name    string
	err     error
	latency time.Duration
	at      time.Time
}

// CheckOnce runs every health check concurrently and applies the results.
func (m *Monitor) CheckOnce(ctx context.Context) {
	results := make([]outcome, len(m.checkers))
	var g errgroup.Group
	for i, c := range m.checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
			defer cancel()
			start := m.opts.Now()
			err := c.HealthCheck(checkCtx)
			if err == nil && checkCtx.Err() != nil {
				err = checkCtx.Err()
			}
			end := m.opts.Now()
			results[i] = outcome{name: c.Name(), err: err, latency: end.Sub(start), at: end}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	var flipped []Status
	m.mu.Lock()
	for _, r := range results {
		st := m.status[r.name]
		if st == nil {
			continue
		}
		st.LastCheckedAt = r.at
		st.LatencyMs = float64(r.latency.Microseconds()) / 1000
		if r.err != nil {
			st.LastError = r.err.Error()
			st.ConsecutiveFailures++
			st.ConsecutiveSuccesses = 0
			if st.Healthy && st.ConsecutiveFailures >= m.opts.UnhealthyThreshold {
				st.Healthy = false
				flipped = append(flipped, *st)
			}
			continue
		}
		st.LastError = ""
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		if !st.Healthy && st.ConsecutiveSuccesses >= m.opts.HealthyThreshold {
			st.Healthy = true
			flipped = append(flipped, *st)
		}
	}
	m.mu.Unlock()

	for _, st := range flipped {
		if m.opts.Breakers != nil {
			if st.Healthy {
				m.opts.Breakers.Get(st.Name).Reset()
			} else {
				m.opts.Breakers.Get(st.Name).ForceOpen()
			}
		}
		if m.opts.OnChange != nil {
			m.opts.OnChange(st)
		}
	}
}

// Healthy reports the current status of a provider. Unknown names are unhealthy.
func (m *Monitor) Healthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[name]
	return ok && st.Healthy
}

// Snapshot returns copies of every provider status, ordered by name.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, *st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
