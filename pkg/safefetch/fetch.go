// Package safefetch is the only path by which policy and key documents are
// fetched from the network. It validates targets against SSRF rules, dials the
// address it validated, and bounds every phase of the exchange.
package safefetch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxBytes       = 10 << 20
	DefaultMaxRedirects   = 3
	DefaultTotalTimeout   = 250 * time.Millisecond
	DefaultDNSTimeout     = 100 * time.Millisecond
	DefaultConnectTimeout = 100 * time.Millisecond
	DefaultHeaderTimeout  = 150 * time.Millisecond
	DefaultBodyTimeout    = 150 * time.Millisecond
	DefaultUserAgent      = "peac-safefetch/0.9"
)

type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	Method  string
	Headers map[string]string
	// MaxBytes caps the body. Zero means DefaultMaxBytes.
	MaxBytes int64
	// MaxRedirects of zero means DefaultMaxRedirects; negative disables redirects.
	MaxRedirects   int
	TotalTimeout   time.Duration
	DNSTimeout     time.Duration
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	BodyTimeout    time.Duration
	// RequireOK turns non-2xx responses into CodeStatus errors.
	RequireOK bool
	// AllowPrivate opens RFC 1918, CGNAT, ULA and loopback targets, and only
	// takes effect together with AcknowledgeRisk. Link-local, multicast and
	// reserved ranges stay blocked regardless.
	AllowPrivate    bool
	AcknowledgeRisk bool
}

type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Redirects  int
}

type Client struct {
	Resolver  Resolver
	Dial      DialFunc
	TLSConfig *tls.Config
	UserAgent string
	// Wrap, when set, decorates the per-request transport (tracing).
	Wrap func(http.RoundTripper) http.RoundTripper
}

func New() *Client {
	return &Client{}
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = DefaultMaxRedirects
	} else if o.MaxRedirects < 0 {
		o.MaxRedirects = 0
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = DefaultTotalTimeout
	}
	if o.DNSTimeout <= 0 {
		o.DNSTimeout = DefaultDNSTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = DefaultHeaderTimeout
	}
	if o.BodyTimeout <= 0 {
		o.BodyTimeout = DefaultBodyTimeout
	}
	return o
}

func (o Options) privateAllowed() bool {
	return o.AllowPrivate && o.AcknowledgeRisk
}

// Fetch retrieves rawURL. All failures are *Error values with a stable Code.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	opts = opts.withDefaults()
	method := strings.ToUpper(opts.Method)
	if method != http.MethodGet && method != http.MethodHead {
		return nil, newError(CodeMethod, "only GET and HEAD are allowed", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, opts.TotalTimeout)
	defer cancel()

	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	for redirects := 0; ; redirects++ {
		resp, next, err := c.fetchOnce(ctx, target, method, opts)
		if err != nil {
			return nil, err
		}
		if next == nil {
			resp.Redirects = redirects
			if opts.RequireOK && (resp.StatusCode < 200 || resp.StatusCode > 299) {
				return nil, newError(CodeStatus, "unexpected status "+strconv.Itoa(resp.StatusCode), nil)
			}
			return resp, nil
		}
		if redirects+1 > opts.MaxRedirects {
			return nil, newError(CodeTooManyRedirects, "redirect limit "+strconv.Itoa(opts.MaxRedirects)+" exceeded", nil)
		}
		target = next
	}
}

// ValidateURL applies the syntactic checks: http(s) only, a host, no userinfo.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, newError(CodeInvalidURL, "url does not parse", err)
	}
	return u, validateParsed(u)
}

func validateParsed(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return newError(CodeInvalidURL, "url must be absolute", nil)
	default:
		return newError(CodeScheme, "scheme "+strconv.Quote(u.Scheme)+" is not allowed", nil)
	}
	if u.User != nil {
		return newError(CodeInvalidURL, "userinfo is not allowed", nil)
	}
	host := u.Hostname()
	if host == "" {
		return newError(CodeInvalidURL, "host required", nil)
	}
	if strings.ContainsAny(host, " %\\") {
		return newError(CodeInvalidURL, "host contains illegal characters", nil)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return newError(CodeInvalidURL, "invalid port", nil)
		}
	}
	return nil
}

func defaultPort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}

// resolve returns every address of host in resolver order, or an error when
// any of them is disallowed.
func (c *Client) resolve(ctx context.Context, host string, opts Options) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !allowed(ip, opts.privateAllowed()) {
			return nil, newError(CodeBlockedAddress, "target address is not allowed", nil)
		}
		return []net.IP{ip}, nil
	}
	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	dnsCtx, cancel := context.WithTimeout(ctx, opts.DNSTimeout)
	defer cancel()
	addrs, err := resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil || isTimeout(err) {
			return nil, newError(CodeDNSTimeout, "dns lookup timed out", err)
		}
		return nil, newError(CodeDNS, "dns lookup failed", err)
	}
	if len(addrs) == 0 {
		return nil, newError(CodeDNS, "dns lookup returned no addresses", nil)
	}
	// Every answer must pass; one bad record fails the target.
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if !allowed(a.IP, opts.privateAllowed()) {
			return nil, newError(CodeBlockedAddress, "target resolves to a disallowed address", nil)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// dialEach connects to the first reachable address. Each attempt gets an
// equal share of what is left before ctx's deadline, so one blackholed
// address cannot use up the whole connect timeout.
func dialEach(ctx context.Context, dial DialFunc, network string, ips []net.IP, port string) (net.Conn, error) {
	var firstErr error
	for i, ip := range ips {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if deadline, ok := ctx.Deadline(); ok {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Until(deadline)/time.Duration(len(ips)-i))
		}
		conn, err := dial(attemptCtx, network, net.JoinHostPort(ip.String(), port))
		cancel()
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, firstErr
}

const (
	phaseConnect int32 = iota + 1
	phaseHeaders
)

func (c *Client) fetchOnce(ctx context.Context, target *url.URL, method string, opts Options) (*Response, *url.URL, error) {
	if err := validateParsed(target); err != nil {
		return nil, nil, err
	}
	ips, err := c.resolve(ctx, target.Hostname(), opts)
	if err != nil {
		return nil, nil, err
	}
	port := defaultPort(target)

	var phase atomic.Int32
	dial := c.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	var transport http.RoundTripper = &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			phase.Store(phaseConnect)
			dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
			conn, err := dialEach(dialCtx, dial, network, ips, port)
			if err != nil {
				if dialCtx.Err() != nil || isTimeout(err) {
					return nil, newError(CodeConnectTimeout, "connect timed out", err)
				}
				return nil, newError(CodeNetwork, "connect failed", err)
			}
			phase.Store(phaseHeaders)
			return conn, nil
		},
		TLSClientConfig:        c.tlsConfig(target.Hostname()),
		TLSHandshakeTimeout:    opts.ConnectTimeout,
		ResponseHeaderTimeout:  opts.HeaderTimeout,
		DisableKeepAlives:      true,
		MaxResponseHeaderBytes: 64 << 10,
	}
	if c.Wrap != nil {
		transport = c.Wrap(transport)
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), nil)
	if err != nil {
		return nil, nil, newError(CodeInvalidURL, "request could not be built", err)
	}
	ua := c.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, nil, fe
		}
		if ctx.Err() != nil || isTimeout(err) {
			if phase.Load() == phaseConnect {
				return nil, nil, newError(CodeConnectTimeout, "connect timed out", err)
			}
			return nil, nil, newError(CodeHeadersTimeout, "timed out awaiting response headers", err)
		}
		return nil, nil, newError(CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if isRedirect(resp.StatusCode) {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, nil, newError(CodeInvalidURL, "redirect without location", nil)
		}
		next, err := target.Parse(loc)
		if err != nil {
			return nil, nil, newError(CodeInvalidURL, "redirect location does not parse", err)
		}
		return nil, next, nil
	}

	if resp.ContentLength > opts.MaxBytes {
		return nil, nil, newError(CodeTooLarge, "declared content length exceeds limit", nil)
	}
	var bodyExpired atomic.Bool
	timer := time.AfterFunc(opts.BodyTimeout, func() {
		bodyExpired.Store(true)
		cancelReq()
	})
	defer timer.Stop()
	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBytes+1))
	if err != nil {
		if bodyExpired.Load() || ctx.Err() != nil || isTimeout(err) {
			return nil, nil, newError(CodeBodyTimeout, "timed out reading body", err)
		}
		return nil, nil, newError(CodeNetwork, "body read failed", err)
	}
	if int64(len(body)) > opts.MaxBytes {
		return nil, nil, newError(CodeTooLarge, "body exceeds limit", nil)
	}
	return &Response{
		URL:        target.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil, nil
}

func (c *Client) tlsConfig(serverName string) *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
