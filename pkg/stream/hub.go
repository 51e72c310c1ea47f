// Package stream fans telemetry events out to live subscribers such as the
// peacd websocket feed.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
)

const DefaultBuffer = 32

// Hub is a telemetry.Sink. Slow subscribers lose events instead of blocking
// the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan telemetry.Event]struct{}
	dropped atomic.Int64
}

var _ telemetry.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: map[chan telemetry.Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan telemetry.Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan telemetry.Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan telemetry.Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(_ context.Context, evt telemetry.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events discarded because a subscriber buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
