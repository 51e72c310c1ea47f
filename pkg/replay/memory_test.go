package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_760_000_000, 0)} }

func TestMemoryStoreSeenLifecycle(t *testing.T) {
	t.Parallel()

	clock := newClock()
	s := NewMemoryStore(MemoryOptions{Now: clock.Now})
	ctx := context.Background()
	rc := Context{Issuer: "https://issuer.example", KeyID: "key-1", Nonce: "n-1", TTL: 30 * time.Second}

	seen, err := s.Seen(ctx, rc)
	if err != nil || seen {
		t.Fatalf("first call must not be a replay: seen=%v err=%v", seen, err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Second)
		seen, err = s.Seen(ctx, rc)
		if err != nil || !seen {
			t.Fatalf("call %d within ttl must report replay: seen=%v err=%v", i, seen, err)
		}
	}
	clock.Advance(16 * time.Second)
	seen, err = s.Seen(ctx, rc)
	if err != nil || seen {
		t.Fatalf("expected fresh entry after ttl: seen=%v err=%v", seen, err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one entry, got %d", s.Len())
	}
}

func TestMemoryStoreSeenDoesNotExtendTTL(t *testing.T) {
	t.Parallel()

	clock := newClock()
	s := NewMemoryStore(MemoryOptions{Now: clock.Now})
	ctx := context.Background()
	rc := Context{Issuer: "i", KeyID: "k", Nonce: "n", TTL: 10 * time.Second}
	_, _ = s.Seen(ctx, rc)
	clock.Advance(9 * time.Second)
	if seen, _ := s.Seen(ctx, rc); !seen {
		t.Fatal("expected replay at 9s")
	}
	clock.Advance(time.Second)
	if seen, _ := s.Seen(ctx, rc); seen {
		t.Fatal("a replay hit must not refresh the original expiry")
	}
}

func TestMemoryStoreDistinctTriples(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(MemoryOptions{})
	ctx := context.Background()
	base := Context{Issuer: "i", KeyID: "k", Nonce: "n"}
	variants := []Context{
		base,
		{Issuer: "i2", KeyID: "k", Nonce: "n"},
		{Issuer: "i", KeyID: "k2", Nonce: "n"},
		{Issuer: "i", KeyID: "k", Nonce: "n2"},
	}
	for _, v := range variants {
		if seen, err := s.Seen(ctx, v); err != nil || seen {
			t.Fatalf("variant %+v must be new: seen=%v err=%v", v, seen, err)
		}
	}
}

func TestMemoryStoreRequiresNonce(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(MemoryOptions{})
	if _, err := s.Seen(context.Background(), Context{Issuer: "i", KeyID: "k"}); !errors.Is(err, ErrNonceRequired) {
		t.Fatalf("expected ErrNonceRequired, got %v", err)
	}
}

func TestMemoryStoreCapacityEviction(t *testing.T) {
	t.Parallel()

	var warnings []string
	s := NewMemoryStore(MemoryOptions{Capacity: 2, Logf: func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}})
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		if seen, _ := s.Seen(ctx, Context{Issuer: "i", KeyID: "k", Nonce: n, TTL: time.Hour}); seen {
			t.Fatalf("nonce %s must be new", n)
		}
	}
	if s.Len() != 2 || s.Evictions() != 1 {
		t.Fatalf("expected len=2 evictions=1, got len=%d evictions=%d", s.Len(), s.Evictions())
	}
	if len(warnings) != 1 || !strings.HasPrefix(warnings[0], "warn:") {
		t.Fatalf("expected one capacity warning, got %v", warnings)
	}
	// The oldest insertion was evicted, so its replay is no longer detected.
	if seen, _ := s.Seen(ctx, Context{Issuer: "i", KeyID: "k", Nonce: "a", TTL: time.Hour}); seen {
		t.Fatal("evicted nonce is expected to read as new")
	}
	if seen, _ := s.Seen(ctx, Context{Issuer: "i", KeyID: "k", Nonce: "c", TTL: time.Hour}); !seen {
		t.Fatal("recent nonce must still be tracked")
	}
}

func TestMemoryStoreLazySweepAndReset(t *testing.T) {
	t.Parallel()

	clock := newClock()
	s := NewMemoryStore(MemoryOptions{Now: clock.Now})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = s.Seen(ctx, Context{Issuer: "i", KeyID: "k", Nonce: fmt.Sprint(i), TTL: time.Second})
	}
	_, _ = s.Seen(ctx, Context{Issuer: "i", KeyID: "k", Nonce: "long", TTL: time.Hour})
	clock.Advance(2 * time.Second)
	_, _ = s.Seen(ctx, Context{Issuer: "i", KeyID: "k", Nonce: "trigger", TTL: time.Hour})
	if s.Len() != 2 {
		t.Fatalf("expected expired head entries swept on access, got len=%d", s.Len())
	}

	_, _ = s.Seen(ctx, Context{Issuer: "i", KeyID: "k", Nonce: "short", TTL: time.Second})
	clock.Advance(2 * time.Second)
	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("expected full sweep to remove 1 entry, got %d", removed)
	}
	s.Reset()
	if s.Len() != 0 || s.Evictions() != 0 {
		t.Fatal("reset must clear entries and counters")
	}
}

func TestMemoryStoreConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(MemoryOptions{})
	ctx := context.Background()
	rc := Context{Issuer: "i", KeyID: "k", Nonce: "race", TTL: time.Minute}
	var fresh int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if seen, err := s.Seen(ctx, rc); err == nil && !seen {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("exactly one caller may observe a fresh nonce, got %d", fresh)
	}
}

func TestContextKeyIsHashed(t *testing.T) {
	t.Parallel()

	rc := Context{Issuer: "https://issuer.example", KeyID: "key-1", Nonce: "secret-nonce"}
	key := rc.Key()
	if len(key) != 64 || strings.Contains(key, "secret") {
		t.Fatalf("expected hex sha256 digest, got %q", key)
	}
}
