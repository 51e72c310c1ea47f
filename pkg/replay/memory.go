package replay

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const DefaultCapacity = 10000

// MemoryStore is a best-effort, single-process store. It holds at most
// Capacity entries; inserting past that evicts the oldest insertion even if it
// has not expired, so a replay of an evicted nonce goes undetected. Size the
// capacity above peak nonces-per-TTL, or use a shared store.
type MemoryStore struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	items     map[string]*list.Element
	evictions int64
	now       func() time.Time
	logf      func(format string, args ...any)
}

type memEntry struct {
	key       string
	expiresAt time.Time
}

type MemoryOptions struct {
	Capacity int
	Now      func() time.Time
	// Logf receives the capacity warning emitted on eviction.
	Logf func(format string, args ...any)
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryStore{
		capacity: opts.Capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, opts.Capacity),
		now:      opts.Now,
		logf:     opts.Logf,
	}
}

func (m *MemoryStore) Seen(ctx context.Context, rc Context) (bool, error) {
	if err := validate(rc); err != nil {
		return false, err
	}
	key := rc.Key()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepFrontLocked(now)
	if el, ok := m.items[key]; ok {
		entry := el.Value.(*memEntry)
		if now.Before(entry.expiresAt) {
			return true, nil
		}
		m.removeLocked(el)
	}
	el := m.order.PushBack(&memEntry{key: key, expiresAt: now.Add(rc.ttl())})
	m.items[key] = el
	if m.order.Len() > m.capacity {
		m.removeLocked(m.order.Front())
		m.evictions++
		if m.logf != nil {
			m.logf("warn: replay store at capacity %d, evicted oldest unexpired nonce", m.capacity)
		}
	}
	return false, nil
}

// sweepFrontLocked drops expired entries from the insertion-order head.
func (m *MemoryStore) sweepFrontLocked(now time.Time) {
	for el := m.order.Front(); el != nil; el = m.order.Front() {
		if now.Before(el.Value.(*memEntry).expiresAt) {
			return
		}
		m.removeLocked(el)
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*memEntry).expiresAt) {
			m.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

func (m *MemoryStore) removeLocked(el *list.Element) {
	entry := el.Value.(*memEntry)
	delete(m.items, entry.key)
	m.order.Remove(el)
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryStore) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.items = make(map[string]*list.Element, m.capacity)
	m.evictions = 0
}
