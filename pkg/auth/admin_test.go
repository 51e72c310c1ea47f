package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireToken(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireToken(" s3cret ")(ok)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong_scheme", "Basic s3cret", http.StatusUnauthorized},
		{"empty_value", "Bearer   ", http.StatusUnauthorized},
		{"wrong_token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusNoContent},
		{"case_insensitive_scheme", "bearer s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if tc.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("expected WWW-Authenticate challenge")
			}
		})
	}
}

func TestRequireTokenEmptyRejectsEverything(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireToken("  ")(ok)
	for _, header := range []string{"", "Bearer ", "Bearer anything"} {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: empty token must not open the route, got %d", header, rec.Code)
		}
	}
}

func TestGuard(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	serve := func(mw func(http.Handler) http.Handler, header string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		mw(ok).ServeHTTP(rec, req)
		return rec.Code
	}

	if _, err := Guard("", false); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := Guard(" \t", false); !errors.Is(err, ErrNoToken) {
		t.Fatalf("blank token must count as missing, got %v", err)
	}

	open, err := Guard("", true)
	if err != nil || serve(open, "") != http.StatusNoContent {
		t.Fatalf("explicitly open guard must pass requests, err=%v", err)
	}

	// allowOpen never weakens a configured token.
	guarded, err := Guard("s3cret", true)
	if err != nil {
		t.Fatal(err)
	}
	if serve(guarded, "") != http.StatusUnauthorized || serve(guarded, "Bearer s3cret") != http.StatusNoContent {
		t.Fatal("configured token must be enforced")
	}
}
