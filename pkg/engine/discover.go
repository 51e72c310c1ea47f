package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/canonical"
	"github.com/peacprotocol/peac-sub013/pkg/discovery"
	"github.com/peacprotocol/peac-sub013/pkg/keys"
	"github.com/peacprotocol/peac-sub013/pkg/policy"
	"github.com/peacprotocol/peac-sub013/pkg/problem"
	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Discovery is the policy published by one origin.
type Discovery struct {
	Origin     string              `json:"origin"`
	Document   *discovery.Document `json:"document"`
	Sources    []canonical.Source  `json:"sources"`
	PolicyHash string              `json:"policy_hash"`
	Keys       *keys.Set           `json:"-"`
	FetchedAt  time.Time           `json:"fetched_at"`
}

// Origin reduces raw to scheme://host[:port]. Paths, queries and userinfo are
// rejected so discovery always targets the well-known location.
func Origin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", newError(ErrInvalidOrigin, problem.CodeBadRequest, "origin must be an absolute http(s) url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", newError(ErrInvalidOrigin, problem.CodeBadRequest, "origin scheme must be http or https", nil)
	}
	if u.User != nil {
		return "", newError(ErrInvalidOrigin, problem.CodeBadRequest, "origin must not carry credentials", nil)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

// Discover fetches /.well-known/peac.txt and the preference and access
// control documents it references, all inside one budget. Any overrun or
// invalid document fails the whole discovery.
func (e *Engine) Discover(ctx context.Context, origin string) (*Discovery, error) {
	base, err := Origin(origin)
	if err != nil {
		return nil, err
	}
	ctx, span := e.opts.Tracer.Start(ctx, "peac.discover", trace.WithAttributes(
		attribute.String("peac.origin_hash", e.opts.Hasher.ID(base)),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.DiscoveryBudget)
	defer cancel()

	d, err := e.discover(ctx, base)
	if err != nil {
		span.SetStatus(codes.Error, problem.FromError(err).Code.Title())
		span.SetAttributes(attribute.String("peac.error_code", string(problem.FromError(err).Code)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("peac.policy_hash", d.PolicyHash),
		attribute.Int("peac.sources", len(d.Sources)),
	)
	return d, nil
}

func (e *Engine) discover(ctx context.Context, base string) (*Discovery, error) {
	body, err := e.fetchDocument(ctx, base+discovery.WellKnownPath)
	if err != nil {
		return nil, err
	}
	parsed := discovery.Parse(string(body))
	if !parsed.Valid {
		return nil, newError(ErrDiscoveryInvalid, problem.CodeDiscoveryInvalid, strings.Join(parsed.Errors, "; "), nil)
	}
	doc := parsed.Document

	txt, err := canonical.NewSource(policy.SourcePeacTxt, doc)
	if err != nil {
		return nil, err
	}
	var prefs, acl *canonical.Source
	g, gctx := errgroup.WithContext(ctx)
	if doc.Preferences != "" {
		g.Go(func() error {
			raw, err := e.fetchDocument(gctx, doc.Preferences)
			if err != nil {
				return err
			}
			src, err := preferencesSource(raw)
			if err != nil {
				return err
			}
			prefs = &src
			return nil
		})
	}
	if doc.AccessControl != "" {
		g.Go(func() error {
			raw, err := e.fetchDocument(gctx, doc.AccessControl)
			if err != nil {
				return err
			}
			rules, err := policy.ParseDocument(raw)
			if err != nil {
				return newError(ErrDiscoveryInvalid, problem.CodeDiscoveryInvalid, "access_control: "+err.Error(), err)
			}
			src, err := canonical.NewSource(policy.SourcePolicy, rules)
			if err != nil {
				return err
			}
			acl = &src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sources := []canonical.Source{txt}
	for _, s := range []*canonical.Source{prefs, acl} {
		if s != nil {
			sources = append(sources, *s)
		}
	}
	sorted, err := canonical.Sort(sources)
	if err != nil {
		return nil, err
	}
	hash, err := canonical.PolicyHash(sorted)
	if err != nil {
		return nil, err
	}
	set, err := keys.FromDiscovery(doc.PublicKeys)
	if err != nil {
		return nil, newError(ErrDiscoveryInvalid, problem.CodeDiscoveryInvalid, "public_keys: "+err.Error(), err)
	}
	return &Discovery{
		Origin:     base,
		Document:   doc,
		Sources:    sorted,
		PolicyHash: hash,
		Keys:       set,
		FetchedAt:  e.opts.Now().UTC(),
	}, nil
}

// preferencesSource keeps unreadable preferences as an opaque string so the
// evaluation records an aipref error instead of dropping the document.
func preferencesSource(raw []byte) (canonical.Source, error) {
	if json.Valid(raw) {
		return canonical.Source{Type: policy.SourceAIPref, Content: json.RawMessage(raw)}, nil
	}
	return canonical.NewSource(policy.SourceAIPref, string(raw))
}

func (e *Engine) fetchDocument(ctx context.Context, target string) ([]byte, error) {
	opts := e.opts.Fetch
	opts.Method = http.MethodGet
	opts.MaxBytes = e.opts.MaxDocumentBytes
	opts.TotalTimeout = e.opts.DiscoveryBudget
	opts.RequireOK = true
	resp, err := e.opts.Fetcher.Fetch(ctx, target, opts)
	if err == nil {
		return resp.Body, nil
	}
	var fe *safefetch.Error
	switch {
	case errors.As(err, &fe) && fe.Code == safefetch.CodeTooLarge:
		return nil, newError(ErrPayloadTooLarge, problem.CodePayloadTooLarge, "document exceeds size limit", err)
	case errors.As(err, &fe) && fe.Code.Timeout(), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, newError(ErrDiscoveryTimeout, problem.CodeDiscoveryTimeout, "discovery budget exceeded", err)
	default:
		return nil, err
	}
}
