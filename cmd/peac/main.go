package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peacprotocol/peac-sub013/pkg/canonical"
	"github.com/peacprotocol/peac-sub013/pkg/engine"
	"github.com/peacprotocol/peac-sub013/pkg/eventbus"
	"github.com/peacprotocol/peac-sub013/pkg/httpx"
	"github.com/peacprotocol/peac-sub013/pkg/keys"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
)

// Testable variables for main()
var (
	osExit = os.Exit
	nowFn  = time.Now

	stdin   io.Reader      = os.Stdin
	stderr  io.Writer      = os.Stderr
	fetcher engine.Fetcher = safefetch.New()

	newConsumer = func(cfg eventbus.KafkaConfig) (eventReader, error) {
		return eventbus.NewConsumer(cfg)
	}
)

type eventReader interface {
	ReadEvent(ctx context.Context) (telemetry.Event, error)
	Close() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

// globals are the flags accepted before the command name.
type globals struct {
	json    bool
	verbose bool
	timeout time.Duration
}

var opts globals

func run(args []string, out io.Writer) error {
	fs := newFlagSet("peac")
	asJSON := fs.Bool("json", false, "machine readable output")
	verbose := fs.Bool("verbose", false, "log progress to stderr")
	timeoutMS := fs.Int("timeout", 0, "network timeout in milliseconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeoutMS < 0 {
		return errors.New("timeout must not be negative")
	}
	opts = globals{json: *asJSON, verbose: *verbose, timeout: time.Duration(*timeoutMS) * time.Millisecond}
	args = fs.Args()
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "keygen":
		return keygen(args[1:], out)
	case "sign":
		return sign(args[1:], out)
	case "verify":
		return verify(args[1:], out)
	case "discover":
		return discover(args[1:], out)
	case "hash":
		return hash(args[1:], out)
	case "events":
		return events(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "usage: peac [--json] [--verbose] [--timeout ms] <command>")
	fmt.Fprintln(out, "peac commands:")
	fmt.Fprintln(out, "  keygen --kid site-2026 --out signing.jwk --jwks jwks.json")
	fmt.Fprintln(out, "  sign --key signing.jwk --resource https://pub.example/a [--issuer url] [--ttl 5m]")
	fmt.Fprintln(out, "  verify --keys jwks.json [--resource url] [--server url] [receipt-file|token...]")
	fmt.Fprintln(out, "  discover [--budget 250ms] <url>")
	fmt.Fprintln(out, "  hash <policy-file|->")
	fmt.Fprintln(out, "  events --brokers host:9092 [--topic peac.events] [--count n]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseFlags parses args allowing flags after positional arguments, as in
// "verify receipt.jws --keys jwks.json". Everything after "--" is positional.
// With a nil positional, any positional argument is an error.
func parseFlags(fs *flag.FlagSet, args []string, positional *[]string) error {
	var rest []string
	for {
		if err := fs.Parse(args); err != nil {
			return err
		}
		remaining := fs.Args()
		if consumed := len(args) - len(remaining); consumed > 0 && args[consumed-1] == "--" {
			rest = append(rest, remaining...)
			break
		}
		if len(remaining) == 0 {
			break
		}
		rest = append(rest, remaining[0])
		args = remaining[1:]
	}
	if positional == nil {
		if len(rest) > 0 {
			return fmt.Errorf("%s: unexpected argument %q", fs.Name(), rest[0])
		}
		return nil
	}
	*positional = rest
	return nil
}

func verbosef(format string, args ...any) {
	if opts.verbose {
		fmt.Fprintf(stderr, format+"\n", args...)
	}
}

// timeoutOr prefers the global --timeout over a command default.
func timeoutOr(d time.Duration) time.Duration {
	if opts.timeout > 0 {
		return opts.timeout
	}
	return d
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keygen(args []string, out io.Writer) error {
	fs := newFlagSet("keygen")
	kid := fs.String("kid", "", "key id")
	outPriv := fs.String("out", "signing.jwk", "private jwk output")
	outJWKS := fs.String("jwks", "jwks.json", "public jwks output")
	if err := parseFlags(fs, args, nil); err != nil {
		return err
	}
	if *kid == "" {
		*kid = "peac-" + nowFn().UTC().Format("2006-01-02")
	}
	if !receipt.ValidKeyID(*kid) {
		return fmt.Errorf("invalid kid %q", *kid)
	}
	jwk, err := keys.Generate(*kid, rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := keys.WritePrivateKey(*outPriv, jwk); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		return err
	}
	set := keys.NewSet()
	if err := set.Add(*kid, pub); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(set.JWKS(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outJWKS, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write jwks: %w", err)
	}
	if opts.json {
		return writeJSON(out, map[string]string{"kid": *kid, "private_key": *outPriv, "jwks": *outJWKS})
	}
	fmt.Fprintf(out, "wrote %s and %s (kid %s)\n", *outPriv, *outJWKS, *kid)
	return nil
}

func sign(args []string, out io.Writer) error {
	fs := newFlagSet("sign")
	keyPath := fs.String("key", "", "private jwk path")
	resource := fs.String("resource", "", "subject uri")
	issuer := fs.String("issuer", "", "issuer")
	ttl := fs.Duration("ttl", 5*time.Minute, "receipt lifetime")
	crawler := fs.String("crawler-type", "", "crawler type claim")
	policyHash := fs.String("policy-hash", "", "policy hash claim")
	if err := parseFlags(fs, args, nil); err != nil {
		return err
	}
	if *keyPath == "" || *resource == "" {
		return errors.New("key and resource required")
	}
	if *ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	kid, priv, err := keys.LoadPrivateKey(*keyPath)
	if err != nil {
		return err
	}
	now := nowFn()
	token, err := receipt.Sign(receipt.Claims{
		ReceiptID:   uuid.NewString(),
		Issuer:      *issuer,
		Subject:     receipt.Subject{URI: *resource},
		Enforcement: &receipt.Enforcement{Method: "none"},
		CrawlerType: *crawler,
		PolicyHash:  *policyHash,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(*ttl).Unix(),
		Nonce:       uuid.NewString(),
	}, priv, kid)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func verify(args []string, out io.Writer) error {
	fs := newFlagSet("verify")
	keysPath := fs.String("keys", "", "trusted jwks or jwk path")
	resource := fs.String("resource", "", "expected subject uri")
	server := fs.String("server", "", "peacd base url")
	token := fs.String("admin-token", "", "bearer token for the server")
	timeout := fs.Duration("timeout", timeoutOr(10*time.Second), "request timeout")
	var positional []string
	if err := parseFlags(fs, args, &positional); err != nil {
		return err
	}
	tokens, err := receiptArgs(positional)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		if tokens, err = readLines(stdin); err != nil {
			return err
		}
	}
	if len(tokens) == 0 {
		return errors.New("at least one receipt required")
	}
	verbosef("verifying %d receipts", len(tokens))

	var results []receipt.Result
	switch {
	case *server != "":
		results, err = verifyRemote(*server, *token, *resource, *timeout, tokens)
		if err != nil {
			return err
		}
	case *keysPath != "":
		set, err := keys.LoadFile(*keysPath)
		if err != nil {
			return err
		}
		for _, t := range tokens {
			res := receipt.Verify(t, set, receipt.VerifyOptions{Now: nowFn})
			if res.Valid && *resource != "" && res.Claims.Subject.URI != *resource {
				res = receipt.Fail(receipt.CodeSubjectMismatch, "subject %q does not match", res.Claims.Subject.URI)
			}
			results = append(results, res)
		}
	default:
		return errors.New("keys or server required")
	}

	invalid := 0
	for _, res := range results {
		if !res.Valid {
			invalid++
			verbosef("invalid receipt: %s", res.Failure.Code)
		}
		if err := writeResult(out, res); err != nil {
			return err
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d receipts invalid", invalid, len(results))
	}
	return nil
}

func writeResult(out io.Writer, res receipt.Result) error {
	if opts.json {
		return writeJSON(out, res)
	}
	switch {
	case res.Valid && res.Claims != nil:
		_, err := fmt.Fprintf(out, "valid kid=%s subject=%s\n", res.KeyID, res.Claims.Subject.URI)
		return err
	case res.Valid:
		_, err := fmt.Fprintf(out, "valid kid=%s\n", res.KeyID)
		return err
	case res.Failure != nil:
		_, err := fmt.Fprintf(out, "invalid code=%s detail=%s\n", res.Failure.Code, res.Failure.Detail)
		return err
	default:
		_, err := fmt.Fprintln(out, "invalid")
		return err
	}
}

func verifyRemote(base, token, resource string, timeout time.Duration, tokens []string) ([]receipt.Result, error) {
	body, err := json.Marshal(map[string]any{"receipts": tokens, "resource": resource})
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client := telemetry.InstrumentClient(&http.Client{Timeout: timeout})
	status, raw, err := httpx.RequestJSON(ctx, client, http.MethodPost, strings.TrimRight(base, "/")+"/v1/verify/batch", body, headers, 2, 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("verify request: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("verify request: status %d: %s", status, strings.TrimSpace(string(raw)))
	}
	var resp struct {
		Results []receipt.Result `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return resp.Results, nil
}

// receiptArgs expands arguments naming a file into the receipts it holds,
// one per line. Anything else is taken as a compact token.
func receiptArgs(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil || !info.Mode().IsRegular() {
			out = append(out, a)
			continue
		}
		f, err := os.Open(a)
		if err != nil {
			return nil, fmt.Errorf("read receipts: %w", err)
		}
		lines, err := readLines(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read receipts: %w", err)
		}
		out = append(out, lines...)
	}
	return out, nil
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func discover(args []string, out io.Writer) error {
	fs := newFlagSet("discover")
	origin := fs.String("origin", "", "origin to discover")
	budget := fs.Duration("budget", timeoutOr(250*time.Millisecond), "total discovery budget")
	allowPrivate := fs.Bool("allow-private", false, "permit private and loopback addresses")
	ack := fs.Bool("i-understand-the-risk", false, "acknowledge --allow-private")
	var positional []string
	if err := parseFlags(fs, args, &positional); err != nil {
		return err
	}
	if *origin == "" && len(positional) > 0 {
		*origin = positional[0]
	}
	if *origin == "" {
		return errors.New("origin required")
	}
	verbosef("discovering %s within %s", *origin, *budget)
	e := engine.New(engine.Options{
		Fetcher:         fetcher,
		Fetch:           safefetch.Options{AllowPrivate: *allowPrivate, AcknowledgeRisk: *ack},
		DiscoveryBudget: *budget,
	})
	d, err := e.Discover(context.Background(), *origin)
	if err != nil {
		return err
	}
	if opts.json {
		return writeJSON(out, struct {
			*engine.Discovery
			KeyIDs []string `json:"key_ids,omitempty"`
		}{d, d.Keys.KIDs()})
	}
	fmt.Fprintf(out, "origin: %s\n", d.Origin)
	fmt.Fprintf(out, "verify: %s\n", d.Document.Verify)
	if d.Document.Receipts != "" {
		fmt.Fprintf(out, "receipts: %s\n", d.Document.Receipts)
	}
	if kids := d.Keys.KIDs(); len(kids) > 0 {
		fmt.Fprintf(out, "key_ids: %s\n", strings.Join(kids, ", "))
	}
	fmt.Fprintf(out, "sources: %d\n", len(d.Sources))
	_, err = fmt.Fprintf(out, "policy_hash: %s\n", d.PolicyHash)
	return err
}

func hash(args []string, out io.Writer) error {
	fs := newFlagSet("hash")
	path := fs.String("sources", "", "json array of {type, content} sources, - for stdin")
	var positional []string
	if err := parseFlags(fs, args, &positional); err != nil {
		return err
	}
	if *path == "" && len(positional) > 0 {
		*path = positional[0]
	}
	var raw []byte
	var err error
	switch *path {
	case "":
		return errors.New("sources required")
	case "-":
		raw, err = io.ReadAll(stdin)
	default:
		raw, err = os.ReadFile(*path)
	}
	if err != nil {
		return fmt.Errorf("read sources: %w", err)
	}
	var sources []canonical.Source
	if err := json.Unmarshal(raw, &sources); err != nil {
		return fmt.Errorf("parse sources: %w", err)
	}
	sum, err := canonical.PolicyHash(sources)
	if err != nil {
		return err
	}
	verbosef("hashed %d sources", len(sources))
	if opts.json {
		return writeJSON(out, map[string]any{"policy_hash": sum, "sources": len(sources)})
	}
	fmt.Fprintln(out, sum)
	return nil
}

func events(args []string, out io.Writer) error {
	fs := newFlagSet("events")
	brokers := fs.String("brokers", "", "comma separated kafka brokers")
	topic := fs.String("topic", "peac.events", "topic")
	group := fs.String("group", "peac-cli", "consumer group")
	count := fs.Int("count", 0, "stop after n events, 0 for no limit")
	if err := parseFlags(fs, args, nil); err != nil {
		return err
	}
	cfg := eventbus.KafkaConfig{Topic: *topic, GroupID: *group}
	for _, b := range strings.Split(*brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	if len(cfg.Brokers) == 0 {
		return errors.New("brokers required")
	}
	consumer, err := newConsumer(cfg)
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	enc := json.NewEncoder(out)
	for n := 0; *count == 0 || n < *count; n++ {
		evt, err := consumer.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}
