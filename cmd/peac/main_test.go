package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/eventbus"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
)

func keygenFiles(t *testing.T) (priv, jwks string) {
	t.Helper()
	dir := t.TempDir()
	priv, jwks = filepath.Join(dir, "signing.jwk"), filepath.Join(dir, "jwks.json")
	var out bytes.Buffer
	if err := run([]string{"keygen", "--kid", "site-1", "--out", priv, "--jwks", jwks}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(out.String(), "kid site-1") {
		t.Fatalf("unexpected keygen output %q", out.String())
	}
	return priv, jwks
}

func signToken(t *testing.T, priv, resource string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run([]string{"sign", "--key", priv, "--resource", resource, "--issuer", "https://pub.example"}, &out); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return strings.TrimSpace(out.String())
}

func TestRunRequiresKnownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil || !strings.Contains(out.String(), "peac commands") {
		t.Fatalf("expected usage, got %v", err)
	}
	if err := run([]string{"bogus"}, &out); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command, got %v", err)
	}
}

func TestMainExitsOnError(t *testing.T) {
	origExit, origArgs := osExit, os.Args
	defer func() { osExit, os.Args = origExit, origArgs }()
	code := 0
	osExit = func(c int) { code = c }
	os.Args = []string{"peac", "bogus"}
	main()
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

func TestKeygenSignVerify(t *testing.T) {
	priv, jwks := keygenFiles(t)
	token := signToken(t, priv, "https://pub.example/a")

	var out bytes.Buffer
	if err := run([]string{"--json", "verify", "--keys", jwks, "--resource", "https://pub.example/a", token}, &out); err != nil {
		t.Fatalf("verify: %v\n%s", err, out.String())
	}
	var res receipt.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil || !res.Valid || res.KeyID != "site-1" {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if res.Claims.Nonce == "" || res.Claims.Enforcement.Method != "none" {
		t.Fatalf("signed claims must carry a nonce and enforcement: %+v", res.Claims)
	}

	out.Reset()
	err := run([]string{"verify", "--keys", jwks, "--resource", "https://pub.example/other", token}, &out)
	if err == nil || !strings.Contains(out.String(), string(receipt.CodeSubjectMismatch)) {
		t.Fatalf("expected subject mismatch, got %v %s", err, out.String())
	}
}

func TestVerifyReadsStdin(t *testing.T) {
	priv, jwks := keygenFiles(t)
	token := signToken(t, priv, "https://pub.example/a")

	orig := stdin
	defer func() { stdin = orig }()
	stdin = strings.NewReader("\n" + token + "\nnot-a-receipt\n")

	var out bytes.Buffer
	err := run([]string{"verify", "--keys", jwks}, &out)
	if err == nil || err.Error() != "1 of 2 receipts invalid" {
		t.Fatalf("expected one invalid receipt, got %v", err)
	}

	stdin = strings.NewReader("")
	if err := run([]string{"verify", "--keys", jwks}, &out); err == nil {
		t.Fatal("expected error without receipts")
	}
	if err := run([]string{"verify", token}, &out); err == nil {
		t.Fatal("expected error without keys or server")
	}
}

func TestVerifyAgainstServer(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/verify/batch" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Receipts []string `json:"receipts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]receipt.Result, len(req.Receipts))
		for i := range results {
			results[i] = receipt.Result{Valid: true, KeyID: "site-1"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer ts.Close()

	var out bytes.Buffer
	if err := run([]string{"--json", "verify", "--server", ts.URL + "/", "--admin-token", "tok", "a.b.c", "d.e.f"}, &out); err != nil {
		t.Fatalf("remote verify: %v", err)
	}
	if gotAuth != "Bearer tok" || strings.Count(out.String(), `"valid": true`) != 2 {
		t.Fatalf("unexpected remote verify %q %s", gotAuth, out.String())
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"E_BAD_REQUEST"}`)
	}))
	defer failing.Close()
	if err := run([]string{"verify", "--server", failing.URL, "a.b.c"}, &out); err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSignValidatesFlags(t *testing.T) {
	priv, _ := keygenFiles(t)
	var out bytes.Buffer
	cases := [][]string{
		{"sign", "--resource", "https://pub.example/a"},
		{"sign", "--key", priv},
		{"sign", "--key", priv, "--resource", "https://pub.example/a", "--ttl", "0s"},
		{"sign", "--key", filepath.Join(t.TempDir(), "missing"), "--resource", "https://pub.example/a"},
		{"sign", "--nope"},
	}
	for _, args := range cases {
		if err := run(args, &out); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
	if err := run([]string{"keygen", "--kid", "bad kid", "--out", filepath.Join(t.TempDir(), "k")}, &out); err == nil {
		t.Fatal("expected invalid kid error")
	}
}

func TestKeygenDefaultKid(t *testing.T) {
	orig := nowFn
	defer func() { nowFn = orig }()
	nowFn = func() time.Time { return time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) }

	dir := t.TempDir()
	var out bytes.Buffer
	if err := run([]string{"keygen", "--out", filepath.Join(dir, "k.jwk"), "--jwks", filepath.Join(dir, "jwks.json")}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "kid peac-2026-03-04") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestHash(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	if err := os.WriteFile(a, []byte(`[{"type":"aipref","content":{"train-ai":"n"}},{"type":"peac-txt","content":{"x":1}}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte(`[{"type":"peac-txt","content":{"x":1.0}},{"type":"aipref","content":{"train-ai":"n"}}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	var first, second bytes.Buffer
	if err := run([]string{"hash", "--sources", a}, &first); err != nil {
		t.Fatal(err)
	}
	if err := run([]string{"hash", "--sources", b}, &second); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first.String(), "sha256:") || first.String() != second.String() {
		t.Fatalf("hash must be order and number-format independent: %q %q", first.String(), second.String())
	}

	orig := stdin
	defer func() { stdin = orig }()
	stdin = strings.NewReader(`not json`)
	if err := run([]string{"hash", "--sources", "-"}, &first); err == nil {
		t.Fatal("expected parse error")
	}
	if err := run([]string{"hash"}, &first); err == nil {
		t.Fatal("expected sources required")
	}
}

type stubFetcher map[string]string

func (s stubFetcher) Fetch(_ context.Context, url string, _ safefetch.Options) (*safefetch.Response, error) {
	body, ok := s[url]
	if !ok {
		return nil, &safefetch.Error{Code: safefetch.CodeStatus, Detail: "status 404"}
	}
	return &safefetch.Response{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func TestDiscover(t *testing.T) {
	orig := fetcher
	defer func() { fetcher = orig }()
	fetcher = stubFetcher{
		"https://pub.example/.well-known/peac.txt": "verify: https://pub.example/peac/verify\nreceipts: required\n",
	}

	var out bytes.Buffer
	if err := run([]string{"--json", "discover", "--origin", "https://pub.example/some/page"}, &out); err != nil {
		t.Fatalf("discover: %v", err)
	}
	var got struct {
		Origin     string `json:"origin"`
		PolicyHash string `json:"policy_hash"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Origin != "https://pub.example" || !strings.HasPrefix(got.PolicyHash, "sha256:") {
		t.Fatalf("unexpected discovery %+v", got)
	}
	if err := run([]string{"discover"}, &out); err == nil {
		t.Fatal("expected origin required")
	}
	if err := run([]string{"discover", "--origin", "https://other.example"}, &out); err == nil {
		t.Fatal("expected discovery failure")
	}
}

type fakeConsumer struct {
	events []telemetry.Event
	closed bool
}

func (f *fakeConsumer) ReadEvent(context.Context) (telemetry.Event, error) {
	if len(f.events) == 0 {
		return telemetry.Event{}, errors.New("drained")
	}
	evt := f.events[0]
	f.events = f.events[1:]
	return evt, nil
}

func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

func TestEvents(t *testing.T) {
	orig := newConsumer
	defer func() { newConsumer = orig }()
	fc := &fakeConsumer{events: []telemetry.Event{
		{Type: telemetry.ReceiptIssued, KeyID: "site-1"},
		{Type: telemetry.AccessDecision, Status: 200},
		{Type: telemetry.ReceiptVerified},
	}}
	var gotCfg eventbus.KafkaConfig
	newConsumer = func(cfg eventbus.KafkaConfig) (eventReader, error) {
		gotCfg = cfg
		return fc, nil
	}

	var out bytes.Buffer
	if err := run([]string{"events", "--brokers", "k1:9092, k2:9092,", "--count", "2"}, &out); err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(gotCfg.Brokers) != 2 || gotCfg.Topic != "peac.events" || gotCfg.GroupID != "peac-cli" {
		t.Fatalf("unexpected consumer config %+v", gotCfg)
	}
	if lines := strings.Split(strings.TrimSpace(out.String()), "\n"); len(lines) != 2 || !strings.Contains(lines[0], "receipt_issued") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if !fc.closed {
		t.Fatal("consumer must be closed")
	}

	if err := run([]string{"events", "--brokers", "k1:9092"}, &out); err == nil || err.Error() != "drained" {
		t.Fatalf("expected read error, got %v", err)
	}
	if err := run([]string{"events"}, &out); err == nil {
		t.Fatal("expected brokers required")
	}
}

func TestGlobalFlagsAndPositionalArgs(t *testing.T) {
	priv, jwks := keygenFiles(t)
	token := signToken(t, priv, "https://pub.example/a")

	dir := t.TempDir()
	receipts := filepath.Join(dir, "receipts.txt")
	if err := os.WriteFile(receipts, []byte(token+"\n\n"+token+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	origErr := stderr
	defer func() { stderr = origErr }()
	var logs bytes.Buffer
	stderr = &logs

	var out bytes.Buffer
	if err := run([]string{"--verbose", "verify", "--keys", jwks, receipts}, &out); err != nil {
		t.Fatalf("verify file: %v", err)
	}
	if strings.Count(out.String(), "valid kid=site-1 subject=https://pub.example/a") != 2 || !strings.Contains(logs.String(), "verifying 2 receipts") {
		t.Fatalf("unexpected output %q logs %q", out.String(), logs.String())
	}

	sources := filepath.Join(dir, "sources.json")
	if err := os.WriteFile(sources, []byte(`[{"type":"aipref","content":{"train-ai":"n"}}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := run([]string{"--json", "hash", sources}, &out); err != nil {
		t.Fatalf("hash: %v", err)
	}
	var hashed struct {
		PolicyHash string `json:"policy_hash"`
		Sources    int    `json:"sources"`
	}
	if err := json.Unmarshal(out.Bytes(), &hashed); err != nil || !strings.HasPrefix(hashed.PolicyHash, "sha256:") || hashed.Sources != 1 {
		t.Fatalf("unexpected json hash %q %v", out.String(), err)
	}

	orig := fetcher
	defer func() { fetcher = orig }()
	fetcher = stubFetcher{"https://pub.example/.well-known/peac.txt": "verify: https://pub.example/peac/verify\n"}
	out.Reset()
	if err := run([]string{"--timeout", "500", "discover", "https://pub.example"}, &out); err != nil {
		t.Fatalf("positional discover: %v", err)
	}
	if opts.timeout != 500*time.Millisecond || !strings.Contains(out.String(), "origin: https://pub.example\n") || !strings.Contains(out.String(), "policy_hash: sha256:") {
		t.Fatalf("unexpected discover output %q (timeout %v)", out.String(), opts.timeout)
	}

	if err := run([]string{"--timeout", "-1", "hash", sources}, &out); err == nil {
		t.Fatal("expected negative timeout error")
	}
	if err := run([]string{"--json"}, &out); err == nil || err.Error() != "command required" {
		t.Fatalf("expected command required, got %v", err)
	}
}

func TestFlagsMayFollowPositionalArgs(t *testing.T) {
	priv, jwks := keygenFiles(t)
	token := signToken(t, priv, "https://pub.example/a")
	receipts := filepath.Join(t.TempDir(), "r.jws")
	if err := os.WriteFile(receipts, []byte(token+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run([]string{"verify", receipts, "--resource", "https://pub.example/a", "--keys", jwks}, &out); err != nil {
		t.Fatalf("verify with trailing flags: %v\n%s", err, out.String())
	}
	if !strings.HasPrefix(out.String(), "valid kid=site-1") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	err := run([]string{"verify", receipts, "--keys", jwks, "--resource", "https://pub.example/b"}, &out)
	if err == nil || !strings.Contains(out.String(), "invalid code="+string(receipt.CodeSubjectMismatch)) {
		t.Fatalf("trailing --resource must apply, got %v %q", err, out.String())
	}

	out.Reset()
	if err := run([]string{"--json", "verify", "--keys", jwks, "--", receipts}, &out); err != nil {
		t.Fatalf("verify after --: %v", err)
	}
	if err := run([]string{"sign", "stray", "--key", priv, "--resource", "https://pub.example/a"}, &out); err == nil || !strings.Contains(err.Error(), `unexpected argument "stray"`) {
		t.Fatalf("expected stray argument error, got %v", err)
	}

	orig := fetcher
	defer func() { fetcher = orig }()
	fetcher = stubFetcher{"https://pub.example/.well-known/peac.txt": "verify: https://pub.example/peac/verify\n"}
	out.Reset()
	if err := run([]string{"discover", "https://pub.example", "--budget", "100ms"}, &out); err != nil {
		t.Fatalf("discover with trailing flag: %v", err)
	}
	if !strings.Contains(out.String(), "verify: https://pub.example/peac/verify") {
		t.Fatalf("unexpected discover output %q", out.String())
	}
}
