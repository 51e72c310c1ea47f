package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/httpx"
	"github.com/peacprotocol/peac-sub013/pkg/vcache"
)

// HTTP delegates verification to a remote crawler-identity service exposing
// POST {base}/verify and GET {base}/health.
type HTTP struct {
	name       string
	base       string
	client     *http.Client
	token      string
	retries    int
	retryDelay time.Duration
}

type HTTPOptions struct {
	Client     *http.Client
	Token      string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTP(name, baseURL string, opts HTTPOptions) *HTTP {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	return &HTTP{
		name:       name,
		base:       strings.TrimSuffix(baseURL, "/"),
		client:     client,
		token:      opts.Token,
		retries:    opts.Retries,
		retryDelay: delay,
	}
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) Capabilities() []Capability {
	return []Capability{CapVerify, CapHealthCheck, CapIPLookup}
}

type verifyResponse struct {
	Result     vcache.Verdict `json:"result"`
	Confidence float64        `json:"confidence"`
}

func (h *HTTP) headers() map[string]string {
	if h.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + h.token}
}

func (h *HTTP) Verify(ctx context.Context, req vcache.Request) (vcache.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return vcache.Result{}, err
	}
	status, raw, err := httpx.RequestJSON(ctx, h.client, http.MethodPost, h.base+"/verify", body, h.headers(), h.retries, h.retryDelay)
	if err != nil {
		return vcache.Result{}, fmt.Errorf("%s verify: %w", h.name, err)
	}
	if status != http.StatusOK {
		return vcache.Result{}, fmt.Errorf("%s verify: status %d", h.name, status)
	}
	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return vcache.Result{}, fmt.Errorf("%s verify: decode: %w", h.name, err)
	}
	switch out.Result {
	case vcache.Trusted, vcache.Suspicious, vcache.Unknown, vcache.Blocked:
	default:
		return vcache.Result{}, fmt.Errorf("%s verify: unexpected result %q", h.name, out.Result)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return vcache.Result{}, fmt.Errorf("%s verify: confidence %v out of range", h.name, out.Confidence)
	}
	return vcache.Result{Provider: h.name, Verdict: out.Result, Confidence: out.Confidence}, nil
}

func (h *HTTP) HealthCheck(ctx context.Context) error {
	status, _, err := httpx.RequestJSON(ctx, h.client, http.MethodGet, h.base+"/health", nil, h.headers(), 0, 0)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%s health: status %d", h.name, status)
	}
	return nil
}

// UserAgent classifies requests locally from user-agent substrings. It never
// fails and is always healthy.
type UserAgent struct {
	name    string
	allow   []string
	block   []string
	unknown float64
}

func NewUserAgent(name string, allow, block []string) *UserAgent {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return &UserAgent{name: name, allow: lower(allow), block: lower(block), unknown: 0.1}
}

func (u *UserAgent) Name() string { return u.name }

func (u *UserAgent) Capabilities() []Capability {
	return []Capability{CapVerify, CapHealthCheck}
}

func (u *UserAgent) Verify(_ context.Context, req vcache.Request) (vcache.Result, error) {
	ua := strings.ToLower(req.UserAgent)
	for _, b := range u.block {
		if strings.Contains(ua, b) {
			return vcache.Result{Provider: u.name, Verdict: vcache.Blocked, Confidence: 0.8}, nil
		}
	}
	for _, a := range u.allow {
		if strings.Contains(ua, a) {
			// User agents are spoofable, so confidence stays moderate.
			return vcache.Result{Provider: u.name, Verdict: vcache.Trusted, Confidence: 0.5}, nil
		}
	}
	return vcache.Result{Provider: u.name, Verdict: vcache.Unknown, Confidence: u.unknown}, nil
}

func (u *UserAgent) HealthCheck(context.Context) error { return nil }
