package metrics

import (
	"sync"
	"testing"
	"time"
)

func observeN(h *Histogram, n int, d time.Duration) {
	for i := 0; i < n; i++ {
		h.Observe(d)
	}
}

func TestHistogramQuantiles(t *testing.T) {
	cases := []struct {
		name          string
		fill          func(*Histogram)
		count         int64
		p50, p95, p99 float64
	}{
		{"empty", func(*Histogram) {}, 0, 0, 0, 0},
		{"uniform fast", func(h *Histogram) { observeN(h, 100, 8*time.Millisecond) }, 100, 0.01, 0.01, 0.01},
		{"slow tail", func(h *Histogram) {
			observeN(h, 90, 4*time.Millisecond)
			observeN(h, 10, 2*time.Second)
		}, 100, 0.005, 2.5, 2.5},
		{"discovery budget", func(h *Histogram) {
			observeN(h, 50, 120*time.Millisecond)
			observeN(h, 50, 240*time.Millisecond)
		}, 100, 0.25, 0.25, 0.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHistogram("POST /v1/enforce")
			tc.fill(h)
			snap := h.Snapshot()
			if snap.Name != "POST /v1/enforce" || snap.Count != tc.count {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
			if snap.P50 != tc.p50 || snap.P95 != tc.p95 || snap.P99 != tc.p99 {
				t.Fatalf("quantiles = %v/%v/%v, want %v/%v/%v", snap.P50, snap.P95, snap.P99, tc.p50, tc.p95, tc.p99)
			}
			if got := h.Percentile(0.95); got != tc.p95 {
				t.Fatalf("Percentile(0.95) = %v, snapshot says %v", got, tc.p95)
			}
		})
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := NewHistogram("discover", 0.25, 0.1, 0.25, 1)
	h.Observe(50 * time.Millisecond)
	h.Observe(200 * time.Millisecond)
	h.Observe(3 * time.Second)

	snap := h.Snapshot()
	want := []HistogramBucket{{Le: 0.1, Count: 1}, {Le: 0.25, Count: 2}, {Le: 1, Count: 2}}
	if len(snap.Buckets) != len(want) {
		t.Fatalf("expected sorted unique bounds, got %+v", snap.Buckets)
	}
	for i := range want {
		if snap.Buckets[i] != want[i] {
			t.Fatalf("bucket %d = %+v, want %+v", i, snap.Buckets[i], want[i])
		}
	}
	if snap.Sum < 3.24 || snap.Sum > 3.26 {
		t.Fatalf("unexpected sum %v", snap.Sum)
	}

	snap.Buckets[0].Count = 99
	if h.Snapshot().Buckets[0].Count != 1 {
		t.Fatal("snapshot must not alias histogram state")
	}
}

func TestHistogramOverflowReportsLargestBound(t *testing.T) {
	h := NewHistogram("discover", 0.1, 0.25)
	observeN(h, 10, time.Second)
	if p := h.Percentile(0.99); p != 0.25 {
		t.Fatalf("overflow must report the largest bound, got %f", p)
	}
}

func TestHistogramRegistryConcurrentGet(t *testing.T) {
	reg := NewHistogramRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.ObserveDuration("POST /v1/verify", time.Millisecond)
		}()
	}
	wg.Wait()
	reg.ObserveDuration("GET /v1/discover", time.Millisecond)

	if reg.Get("POST /v1/verify") != reg.Get("POST /v1/verify") {
		t.Fatal("Get must return a stable instance")
	}
	counts := map[string]int64{}
	for _, s := range reg.Snapshots() {
		counts[s.Name] = s.Count
	}
	if len(counts) != 2 || counts["POST /v1/verify"] != 16 || counts["GET /v1/discover"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestRegistryObserveLatency(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveLatency("GET /healthz", 10*time.Millisecond)
	reg.ObserveLatency("GET /healthz", 20*time.Millisecond)

	snap := reg.Snapshot()
	if len(snap.Histograms) != 1 || snap.Histograms[0].Count != 2 {
		t.Fatalf("expected one histogram with two observations, got %+v", snap.Histograms)
	}
}

func TestFamilyLayoutsResolveTheirOwnLatencies(t *testing.T) {
	reg := NewRegistry()
	observeN(reg.Histograms.In(Verify, "receipt"), 100, 300*time.Microsecond)
	observeN(reg.Histograms.In(Replay, "postgres"), 100, 3*time.Millisecond)
	observeN(reg.Histograms.In(Fetch, "peac.txt"), 95, 180*time.Millisecond)
	observeN(reg.Histograms.In(Fetch, "peac.txt"), 5, 900*time.Millisecond)

	p95 := map[Family]float64{}
	for _, s := range reg.Snapshot().Histograms {
		p95[s.Family] = s.P95
	}
	want := map[Family]float64{Verify: 0.0005, Replay: 0.005, Fetch: 0.2}
	for f, v := range want {
		if p95[f] != v {
			t.Fatalf("%s p95 = %v, want %v", f, p95[f], v)
		}
	}
	if p := reg.Histograms.In(Fetch, "peac.txt").Percentile(0.99); p != 1 {
		t.Fatalf("slow fetch tail should land on the 1s bound, got %v", p)
	}
}

func TestFamiliesDoNotShareHistograms(t *testing.T) {
	reg := NewHistogramRegistry()
	reg.In(Fetch, "jwks").Observe(time.Millisecond)
	reg.In(Replay, "jwks").Observe(time.Millisecond)
	if reg.In(Fetch, "jwks") == reg.In(Replay, "jwks") {
		t.Fatal("same name in two families must be two histograms")
	}
	snaps := reg.Snapshots()
	if len(snaps) != 2 || snaps[0].Family != Fetch || snaps[1].Family != Replay {
		t.Fatalf("snapshots must be ordered by family, got %+v", snaps)
	}
	if reg.Get("jwks") == reg.In(Fetch, "jwks") || reg.Get("jwks") != reg.In(HTTP, "jwks") {
		t.Fatal("Get must address the http family")
	}
}

func TestBoundsReturnsACopy(t *testing.T) {
	b := Bounds(Verify)
	b[0] = 42
	if Bounds(Verify)[0] == 42 {
		t.Fatal("Bounds must not expose the shared layout")
	}
	if got, want := len(Bounds("unknown")), len(Bounds(HTTP)); got != want {
		t.Fatalf("unknown family should fall back to http, got %d bounds", got)
	}
}
