package metrics

import (
	"sort"
	"sync"
	"time"
)

// Family names a kind of operation whose latencies share one bucket layout.
type Family string

const (
	// Verify covers in-process signature and claim checks.
	Verify Family = "verify"
	// Replay covers nonce store round trips.
	Replay Family = "replay"
	// Fetch covers outbound policy and JWKS fetches.
	Fetch Family = "fetch"
	// HTTP covers whole inbound requests.
	HTTP Family = "http"
)

// Bounds are upper limits in seconds. Verify resolves sub-millisecond
// signature checks, Replay a local or Postgres round trip, and Fetch
// lands the 250ms discovery budget and the 1s JWKS timeout on bucket edges.
var layouts = map[Family][]float64{
	Verify: {0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1},
	Replay: {0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	Fetch:  {0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.5, 1, 2.5, 5},
	HTTP:   {0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
}

// Bounds returns a copy of the layout for f. Unknown families get HTTP's.
func Bounds(f Family) []float64 {
	b, ok := layouts[f]
	if !ok {
		b = layouts[HTTP]
	}
	return append([]float64(nil), b...)
}

type HistogramBucket struct {
	Le    float64 // seconds
	Count int64   // observations at or below Le
}

// Histogram counts observations per bucket. Quantiles are read back as the
// bound of the bucket that holds them.
type Histogram struct {
	name   string
	family Family
	bounds []float64

	mu     sync.Mutex
	counts []int64 // per bucket; the last slot holds overflow
	sum    float64
	total  int64
}

// NewHistogram builds an HTTP family histogram, or one over the given bounds.
func NewHistogram(name string, bounds ...float64) *Histogram {
	if len(bounds) == 0 {
		return newFamilyHistogram(HTTP, name, Bounds(HTTP))
	}
	return newFamilyHistogram(HTTP, name, bounds)
}

func newFamilyHistogram(f Family, name string, bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	uniq := sorted[:0]
	for _, le := range sorted {
		if len(uniq) == 0 || uniq[len(uniq)-1] != le {
			uniq = append(uniq, le)
		}
	}
	return &Histogram{
		name:   name,
		family: f,
		bounds: uniq,
		counts: make([]int64, len(uniq)+1),
	}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	slot := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	h.counts[slot]++
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

// Percentile returns the bound of the first bucket reaching p of all
// observations, or the largest bound when the rank falls in overflow.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return rankBound(h.cumulative(), h.total, p)
}

type HistogramSnapshot struct {
	Name    string
	Family  Family
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	buckets, sum, total := h.cumulative(), h.sum, h.total
	h.mu.Unlock()
	return HistogramSnapshot{
		Name:    h.name,
		Family:  h.family,
		Buckets: buckets,
		Sum:     sum,
		Count:   total,
		P50:     rankBound(buckets, total, 0.50),
		P95:     rankBound(buckets, total, 0.95),
		P99:     rankBound(buckets, total, 0.99),
	}
}

// cumulative must be called with h.mu held.
func (h *Histogram) cumulative() []HistogramBucket {
	out := make([]HistogramBucket, len(h.bounds))
	var running int64
	for i, le := range h.bounds {
		running += h.counts[i]
		out[i] = HistogramBucket{Le: le, Count: running}
	}
	return out
}

func rankBound(buckets []HistogramBucket, total int64, p float64) float64 {
	if total == 0 || len(buckets) == 0 {
		return 0
	}
	rank := int64(p * float64(total))
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].Count >= rank })
	if i == len(buckets) {
		i--
	}
	return buckets[i].Le
}

type histogramKey struct {
	family Family
	name   string
}

type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[histogramKey]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[histogramKey]*Histogram{}}
}

// Get returns the HTTP histogram called name, creating it on first use.
func (r *HistogramRegistry) Get(name string) *Histogram {
	return r.In(HTTP, name)
}

// In returns the histogram called name within family f, laid out with
// Bounds(f).
func (r *HistogramRegistry) In(f Family, name string) *Histogram {
	key := histogramKey{f, name}
	r.mu.RLock()
	h, ok := r.histograms[key]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[key]; !ok {
		h = newFamilyHistogram(f, name, Bounds(f))
		r.histograms[key] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots are ordered by family, then name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Name < out[j].Name
	})
	return out
}
