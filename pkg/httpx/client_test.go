package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// step is one scripted reply of a provider or peacd instance.
type step struct {
	status  int
	body    string
	err     error
	badBody bool
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset mid-body") }
func (brokenBody) Close() error             { return nil }

// script replays steps in order and repeats the last one once exhausted.
type script struct {
	mu    sync.Mutex
	steps []step
	seen  []*http.Request
}

func (s *script) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.steps[min(len(s.seen), len(s.steps)-1)]
	s.seen = append(s.seen, req)
	if st.err != nil {
		return nil, st.err
	}
	resp := &http.Response{StatusCode: st.status, Header: http.Header{}, Request: req}
	if st.badBody {
		resp.Body = brokenBody{}
	} else {
		resp.Body = io.NopCloser(strings.NewReader(st.body))
	}
	return resp, nil
}

func (s *script) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestRequestJSONRetryPolicy(t *testing.T) {
	verdict := `{"provider":"ua","result":"trusted","confidence":0.9}`
	cases := []struct {
		name       string
		steps      []step
		retries    int
		wantStatus int
		wantBody   string
		wantErr    string
		wantCalls  int
	}{
		{
			name:       "provider warming up then answers",
			steps:      []step{{status: 503, body: `{"error":"warming"}`}, {status: 200, body: verdict}},
			retries:    2,
			wantStatus: 200,
			wantBody:   verdict,
			wantCalls:  2,
		},
		{
			name:       "rejection is final",
			steps:      []step{{status: 422, body: `{"code":"E_INVALID_SIGNATURE"}`}},
			retries:    3,
			wantStatus: 422,
			wantBody:   `{"code":"E_INVALID_SIGNATURE"}`,
			wantCalls:  1,
		},
		{
			name:       "persistent 5xx surfaces the last status",
			steps:      []step{{status: 502, body: `{}`}, {status: 500, body: `{"error":"db"}`}},
			retries:    1,
			wantStatus: 500,
			wantBody:   `{"error":"db"}`,
			wantCalls:  2,
		},
		{
			name:      "unreachable peer exhausts retries",
			steps:     []step{{err: errors.New("dial tcp 10.0.0.7:443: connection refused")}},
			retries:   2,
			wantErr:   "connection refused",
			wantCalls: 3,
		},
		{
			name:      "negative retries means one attempt",
			steps:     []step{{err: errors.New("no route to host")}},
			retries:   -1,
			wantErr:   "no route to host",
			wantCalls: 1,
		},
		{
			name:       "truncated body is retried",
			steps:      []step{{status: 200, badBody: true}, {status: 200, body: verdict}},
			retries:    1,
			wantStatus: 200,
			wantBody:   verdict,
			wantCalls:  2,
		},
		{
			name:       "transport blip then success",
			steps:      []step{{err: errors.New("tls handshake timeout")}, {status: 200, body: verdict}},
			retries:    1,
			wantStatus: 200,
			wantBody:   verdict,
			wantCalls:  2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := &script{steps: tc.steps}
			status, body, err := RequestJSON(context.Background(), &http.Client{Transport: rt}, http.MethodPost,
				"https://provider.example/v1/verify", []byte(`{"user_agent":"GPTBot/1.0"}`), nil, tc.retries, 0)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tc.wantStatus || string(body) != tc.wantBody {
				t.Fatalf("got %d %q, want %d %q", status, body, tc.wantStatus, tc.wantBody)
			}
			if rt.calls() != tc.wantCalls {
				t.Fatalf("expected %d attempts, got %d", tc.wantCalls, rt.calls())
			}
		})
	}
}

func TestRequestJSONVerifyBatchRequestShape(t *testing.T) {
	var got struct {
		method, path, auth, accept, contentType string
		receipts                                []string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path = r.Method, r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.accept, got.contentType = r.Header.Get("Accept"), r.Header.Get("Content-Type")
		var req struct {
			Receipts []string `json:"receipts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		got.receipts = req.Receipts
		WriteJSON(w, http.StatusOK, map[string]int{"valid": len(req.Receipts)})
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL+"/v1/verify/batch",
		[]byte(`{"receipts":["a.b.c","d.e.f"]}`), map[string]string{"Authorization": "Bearer admin"}, 0, 0)
	if err != nil || status != http.StatusOK {
		t.Fatalf("batch request: %d %v", status, err)
	}
	if got.method != http.MethodPost || got.path != "/v1/verify/batch" || got.auth != "Bearer admin" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.accept != "application/json" || got.contentType != "application/json" || len(got.receipts) != 2 {
		t.Fatalf("unexpected negotiation %+v", got)
	}
	if !strings.Contains(string(body), `"valid":2`) {
		t.Fatalf("unexpected body %s", body)
	}

	if _, _, err := RequestJSON(context.Background(), nil, "GET\n", srv.URL, nil, nil, 0, 0); err == nil {
		t.Fatal("expected request build error for an invalid method")
	}
}

func TestRequestJSONHealthCheckHasNoContentType(t *testing.T) {
	rt := &script{steps: []step{{status: 200, body: `{"status":"ok"}`}}}
	if _, _, err := RequestJSON(context.Background(), &http.Client{Transport: rt}, http.MethodGet, "https://provider.example/healthz", nil, nil, 0, 0); err != nil {
		t.Fatal(err)
	}
	if ct := rt.seen[0].Header.Get("Content-Type"); ct != "" {
		t.Fatalf("bodyless health check must not claim a content type, got %q", ct)
	}
}

func TestRequestJSONBackoffRespectsDeadline(t *testing.T) {
	rt := &script{steps: []step{{status: 503, body: `{}`}}}
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err := RequestJSON(ctx, &http.Client{Transport: rt}, http.MethodPost, "https://provider.example/v1/verify", []byte(`{}`), nil, 4, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if rt.calls() != 1 || time.Since(start) > 500*time.Millisecond {
		t.Fatalf("backoff must stop at the deadline: calls=%d elapsed=%s", rt.calls(), time.Since(start))
	}

	canceled, stop := context.WithCancel(context.Background())
	stop()
	down := &script{steps: []step{{err: context.Canceled}}}
	if _, _, err := RequestJSON(canceled, &http.Client{Transport: down}, http.MethodGet, "https://provider.example/healthz", nil, nil, 3, 0); err == nil || down.calls() > 1 {
		t.Fatalf("canceled caller must not retry: calls=%d err=%v", down.calls(), err)
	}
}

func TestRequestJSONCapsOversizedJWKS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"keys":[`+strings.Repeat(" ", MaxResponseBytes)+`]}`)
	}))
	defer srv.Close()
	_, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL+"/jwks.json", nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if len(body) != MaxResponseBytes || !strings.HasPrefix(string(body), `{"keys":[`) {
		t.Fatalf("expected a body capped at %d bytes, got %d", MaxResponseBytes, len(body))
	}
}
