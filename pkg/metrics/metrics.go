package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
)

// Registry collects request, receipt and verification counters in process.
// It doubles as a telemetry sink so engine events are counted without extra
// wiring.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	issued        map[string]int64
	verifications map[string]int64
	decisions     map[string]int64
	gauges        map[string]float64
	collectors    []func(*Registry)
	Histograms    *HistogramRegistry
}

var _ telemetry.Sink = (*Registry)(nil)

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	ReceiptsIssued map[string]int64        `json:"receipts_issued"`
	Verifications  map[string]int64        `json:"verifications"`
	Decisions      map[string]int64        `json:"decisions"`
	Gauges         map[string]float64      `json:"gauges"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		issued:        map[string]int64{},
		verifications: map[string]int64{},
		decisions:     map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// Time records d for the named operation within family f.
func (r *Registry) Time(f Family, name string, d time.Duration) {
	r.Histograms.In(f, name).Observe(d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// Publish counts an engine event. Issued receipts are keyed by rail
// ("none" when unpaid), verifications by failure code ("ok" when valid) and
// access decisions by decision and status.
func (r *Registry) Publish(_ context.Context, e telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Type {
	case telemetry.ReceiptIssued:
		r.issued[orDefault(e.Rail, "none")]++
	case telemetry.ReceiptVerified:
		code := "ok"
		if !e.Valid {
			code = orDefault(e.Code, "unknown")
		}
		r.verifications[code]++
	case telemetry.AccessDecision:
		r.decisions[orDefault(e.Decision, "unknown")+"|"+strconv.Itoa(e.Status)]++
	}
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// Collect registers fn to refresh gauges right before every snapshot.
func (r *Registry) Collect(fn func(*Registry)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.collectors = append(r.collectors, fn)
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	collectors := append([]func(*Registry){}, r.collectors...)
	r.mu.RUnlock()
	for _, fn := range collectors {
		fn(r)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		ReceiptsIssued: copyCounts(r.issued),
		Verifications:  copyCounts(r.verifications),
		Decisions:      copyCounts(r.decisions),
		Gauges:         make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP peac_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE peac_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "peac_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP peac_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE peac_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "peac_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP peac_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE peac_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "peac_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP peac_receipts_issued_total receipts issued by payment rail\n")
		b.WriteString("# TYPE peac_receipts_issued_total counter\n")
		for _, rail := range SortedKeys(snap.ReceiptsIssued) {
			fmt.Fprintf(b, "peac_receipts_issued_total{rail=%q} %d\n", rail, snap.ReceiptsIssued[rail])
		}
		b.WriteString("# HELP peac_verifications_total receipt verifications by result code\n")
		b.WriteString("# TYPE peac_verifications_total counter\n")
		for _, code := range SortedKeys(snap.Verifications) {
			fmt.Fprintf(b, "peac_verifications_total{code=%q} %d\n", code, snap.Verifications[code])
		}
		b.WriteString("# HELP peac_access_decisions_total enforcement outcomes by decision and status\n")
		b.WriteString("# TYPE peac_access_decisions_total counter\n")
		for _, key := range SortedKeys(snap.Decisions) {
			decision, status, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "peac_access_decisions_total{decision=%q,status=%q} %d\n", decision, status, snap.Decisions[key])
		}
		b.WriteString("# HELP peac_gauge operational gauge metrics\n")
		b.WriteString("# TYPE peac_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "peac_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP peac_latency_seconds latency histogram\n")
			b.WriteString("# TYPE peac_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			labels := fmt.Sprintf("family=%q,op=%q", h.Family, h.Name)
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "peac_latency_seconds_bucket{%s,le=\"%g\"} %d\n", labels, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "peac_latency_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, h.Count)
			fmt.Fprintf(b, "peac_latency_seconds_sum{%s} %.6f\n", labels, h.Sum)
			fmt.Fprintf(b, "peac_latency_seconds_count{%s} %d\n", labels, h.Count)
		}
		for _, h := range snap.Histograms {
			fmt.Fprintf(b, "peac_latency_p95_seconds{family=%q,op=%q} %.6f\n", h.Family, h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
