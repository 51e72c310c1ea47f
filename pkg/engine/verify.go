package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/keys"
	"github.com/peacprotocol/peac-sub013/pkg/problem"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/replay"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type VerifyRequest struct {
	Receipt string `json:"receipt"`
	// Resource, when set, must equal the receipt subject.
	Resource string `json:"resource,omitempty"`
}

// Verifier checks a presented receipt. Rejections are reported in the
// Result; the error is reserved for infrastructure failures such as an
// unreachable replay store.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (receipt.Result, error)
}

// FallbackVerifier checks signature, type, version and time window only.
type FallbackVerifier struct {
	Keys    receipt.Keys
	Options receipt.VerifyOptions
}

func (v *FallbackVerifier) Verify(_ context.Context, req VerifyRequest) (receipt.Result, error) {
	res := receipt.Verify(req.Receipt, v.Keys, v.Options)
	if res.Valid {
		if f := checkSubject(res.Claims, req.Resource); f.Failure != nil {
			return f, nil
		}
	}
	return res, nil
}

// FullVerifier adds remote key sets and single-use enforcement on top of the
// fallback checks. Remote key sets are only ever taken from JWKSURLs; the
// unverified iss claim never selects where keys are fetched from.
type FullVerifier struct {
	Keys     receipt.Keys
	Remote   *keys.Remote
	JWKSURLs []string

	Replay       replay.Store
	ReplayTTL    time.Duration
	RequireNonce bool

	Options receipt.VerifyOptions
	// Logf receives warnings about unreachable key sets.
	Logf func(format string, args ...any)
}

func (v *FullVerifier) Verify(ctx context.Context, req VerifyRequest) (receipt.Result, error) {
	chain, err := v.keyChain(ctx, false)
	if err != nil {
		return receipt.Result{}, err
	}
	res := receipt.Verify(req.Receipt, chain, v.Options)
	if !res.Valid && res.Failure.Code == receipt.CodeUnknownKeyID && v.Remote != nil && len(v.JWKSURLs) > 0 {
		// The issuer may have rotated keys since the last fetch.
		if chain, err = v.keyChain(ctx, true); err != nil {
			return receipt.Result{}, err
		}
		res = receipt.Verify(req.Receipt, chain, v.Options)
	}
	if !res.Valid {
		return res, nil
	}
	if f := checkSubject(res.Claims, req.Resource); f.Failure != nil {
		return f, nil
	}
	if v.Replay == nil {
		return res, nil
	}
	claims := res.Claims
	if claims.Nonce == "" {
		if v.RequireNonce {
			return receipt.Fail(receipt.CodeInvalidFormat, "nonce required"), nil
		}
		return res, nil
	}
	seen, err := v.Replay.Seen(ctx, replay.Context{
		Issuer: claims.Issuer,
		KeyID:  res.KeyID,
		Nonce:  claims.Nonce,
		TTL:    v.replayTTL(claims),
	})
	if err != nil {
		return receipt.Result{}, err
	}
	if seen {
		return receipt.Fail(receipt.CodeReplay, "nonce already used"), nil
	}
	return res, nil
}

// replayTTL keeps a nonce at least until the receipt itself expires.
func (v *FullVerifier) replayTTL(c *receipt.Claims) time.Duration {
	ttl := v.ReplayTTL
	if c.ExpiresAt > 0 {
		now := time.Now
		if v.Options.Now != nil {
			now = v.Options.Now
		}
		skew := v.Options.ClockSkew
		if skew <= 0 {
			skew = receipt.DefaultClockSkew
		}
		if left := time.Unix(c.ExpiresAt, 0).Sub(now()) + skew; left > ttl {
			ttl = left
		}
	}
	return ttl
}

func (v *FullVerifier) keyChain(ctx context.Context, refresh bool) (keys.Chain, error) {
	chain := keys.Chain{v.Keys}
	if v.Remote == nil {
		return chain, nil
	}
	var errs []error
	for _, u := range v.JWKSURLs {
		get := v.Remote.Get
		if refresh {
			get = v.Remote.Refresh
		}
		set, err := get(ctx, u)
		if err != nil {
			if v.Logf != nil {
				v.Logf("warn: jwks %s unavailable: %v", u, err)
			}
			errs = append(errs, err)
			continue
		}
		chain = append(chain, set)
	}
	// One reachable key set is enough; the token decides whether its kid is in it.
	if len(errs) > 0 && len(errs) == len(v.JWKSURLs) && v.Keys == nil {
		return nil, newError(ErrKeySetFetch, problem.CodeJWKSFetchFailed, "no key set reachable", errors.Join(errs...))
	}
	return chain, nil
}

func checkSubject(c *receipt.Claims, resource string) receipt.Result {
	resource = strings.TrimSpace(resource)
	if resource == "" || c == nil || c.Subject.URI == resource {
		return receipt.Result{}
	}
	return receipt.Fail(receipt.CodeSubjectMismatch, "receipt was issued for a different resource")
}

// Verify runs the configured verifier and reports the outcome to the hooks.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (receipt.Result, error) {
	ctx, span := e.opts.Tracer.Start(ctx, "peac.verify")
	defer span.End()

	res, err := e.opts.Verifier.Verify(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, "verifier unavailable")
		return receipt.Result{}, err
	}
	evt := telemetry.Event{
		Receipt:  e.opts.Hasher.ID(req.Receipt),
		Resource: e.opts.Hasher.ID(req.Resource),
		KeyID:    res.KeyID,
		Valid:    res.Valid,
	}
	if res.Valid {
		evt.ReceiptID = e.opts.Hasher.ID(res.Claims.ReceiptID)
		evt.Issuer = e.opts.Hasher.ID(res.Claims.Issuer)
		evt.PolicyHash = res.Claims.PolicyHash
	} else {
		evt.Code = string(res.Failure.Code)
		span.SetAttributes(attribute.String("peac.failure", string(res.Failure.Code)))
	}
	span.SetAttributes(attribute.Bool("peac.valid", res.Valid))
	e.opts.Hooks.OnReceiptVerified(ctx, evt)
	return res, nil
}
