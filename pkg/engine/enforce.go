package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/peacprotocol/peac-sub013/pkg/canonical"
	"github.com/peacprotocol/peac-sub013/pkg/policy"
	"github.com/peacprotocol/peac-sub013/pkg/problem"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// ReceiptHeader carries an issued receipt on the response.
	ReceiptHeader = "PEAC-Receipt"
	// PaymentsHeader lists the accepted payment rails on a 402.
	PaymentsHeader = "X-PEAC-Payments"
)

var (
	ErrRailNotAccepted  = errors.New("payment rail not accepted")
	ErrSettlementFailed = errors.New("settlement failed")
)

// PaymentEvidence is what the client presents to satisfy a 402.
type PaymentEvidence struct {
	Rail     string `json:"rail"`
	Proof    string `json:"proof"`
	Amount   int64  `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type SettleRequest struct {
	PaymentEvidence
	Resource   string
	PolicyHash string
}

// Settler turns payment evidence into a settled payment. A nil payment with
// a nil error means the evidence was not sufficient.
type Settler interface {
	Settle(ctx context.Context, req SettleRequest) (*receipt.Payment, error)
}

type EnforceRequest struct {
	// Origin defaults to the origin of Resource.
	Origin        string               `json:"origin,omitempty"`
	Resource      string               `json:"resource"`
	Purpose       policy.Purpose       `json:"purpose,omitempty"`
	Declared      []string             `json:"declared_purposes,omitempty"`
	Subject       *policy.Subject      `json:"subject,omitempty"`
	LicensingMode policy.LicensingMode `json:"licensing_mode,omitempty"`
	CrawlerType   string               `json:"crawler_type,omitempty"`
	Receipt       string               `json:"receipt,omitempty"`
	Payment       *PaymentEvidence     `json:"payment,omitempty"`
	// Sources skips discovery when set.
	Sources []canonical.Source `json:"sources,omitempty"`
}

type EnforceResult struct {
	Outcome    policy.Outcome  `json:"outcome"`
	StatusCode int             `json:"status"`
	Allowed    bool            `json:"allowed"`
	Header     http.Header     `json:"-"`
	Receipt    string          `json:"receipt,omitempty"`
	Claims     *receipt.Claims `json:"claims,omitempty"`
	// Presented is the verification of the receipt the client sent, if any.
	Presented *receipt.Result  `json:"presented,omitempty"`
	Payment   *receipt.Payment `json:"payment,omitempty"`
	// Problem is set whenever the request is not allowed.
	Problem *problem.Problem `json:"problem,omitempty"`
}

// Enforce decides access to a resource and, when access is granted and a
// signer is configured, issues a receipt recording the decision.
func (e *Engine) Enforce(ctx context.Context, req EnforceRequest) (*EnforceResult, error) {
	ctx, span := e.opts.Tracer.Start(ctx, "peac.enforce")
	defer span.End()

	res, err := e.enforce(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, problem.FromError(err).Code.Title())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("peac.decision", string(res.Outcome.Decision)),
		attribute.Int("peac.status", res.StatusCode),
		attribute.String("peac.policy_hash", res.Outcome.PolicyHash),
	)
	evt := telemetry.Event{
		Resource:   e.opts.Hasher.ID(req.Resource),
		PolicyHash: res.Outcome.PolicyHash,
		Decision:   string(res.Outcome.Decision),
		Status:     res.StatusCode,
		Valid:      res.Allowed,
	}
	if res.Payment != nil {
		evt.Rail = res.Payment.Rail
	}
	if res.Problem != nil {
		evt.Code = string(res.Problem.Code)
	}
	e.opts.Hooks.OnAccessDecision(ctx, evt)
	return res, nil
}

func (e *Engine) enforce(ctx context.Context, req EnforceRequest) (*EnforceResult, error) {
	req.Resource = strings.TrimSpace(req.Resource)
	if req.Resource == "" {
		return nil, newError(ErrInvalidOrigin, problem.CodeBadRequest, "resource is required", nil)
	}
	sources := req.Sources
	if sources == nil {
		origin := req.Origin
		if origin == "" {
			u, err := url.Parse(req.Resource)
			if err != nil {
				return nil, newError(ErrInvalidOrigin, problem.CodeBadRequest, "resource must be an absolute url", err)
			}
			origin = u.Scheme + "://" + u.Host
		}
		d, err := e.Discover(ctx, origin)
		if err != nil {
			return nil, err
		}
		sources = d.Sources
	}

	out, err := policy.EvaluateSources(sources, policy.Request{
		Subject:       req.Subject,
		Purpose:       req.Purpose,
		LicensingMode: req.LicensingMode,
	})
	if err != nil {
		return nil, newError(ErrDiscoveryInvalid, problem.CodeDiscoveryInvalid, err.Error(), err)
	}
	res := &EnforceResult{Outcome: out}

	verified := false
	if req.Receipt != "" {
		vr, err := e.Verify(ctx, VerifyRequest{Receipt: req.Receipt, Resource: req.Resource})
		if err != nil {
			return nil, err
		}
		res.Presented = &vr
		verified = vr.Valid
	}

	var settleErr error
	if out.Decision == policy.Review && !verified && req.Payment != nil {
		res.Payment, settleErr = e.settle(ctx, req, out)
	}

	enf := policy.Enforce(out.Decision, verified || res.Payment != nil)
	res.StatusCode, res.Allowed, res.Header = enf.StatusCode, enf.Allowed, enf.Header

	switch {
	case !enf.Allowed && enf.Challenge:
		if len(out.Payments) > 0 {
			res.Header.Set(PaymentsHeader, strings.Join(out.Payments, ", "))
		}
		p := problem.New(problem.CodePaymentRequired, challengeDetail(res.Presented, settleErr))
		res.Problem = &p
	case !enf.Allowed:
		p := problem.New(problem.CodeForbidden, denyDetail(out))
		res.Problem = &p
	case e.opts.Signer != nil && !verified:
		token, claims, err := e.issue(ctx, req, out, res.Payment)
		if err != nil {
			return nil, err
		}
		res.Receipt, res.Claims = token, claims
		res.Header.Set(ReceiptHeader, token)
	}
	return res, nil
}

func (e *Engine) settle(ctx context.Context, req EnforceRequest, out policy.Outcome) (*receipt.Payment, error) {
	if e.opts.Settler == nil {
		return nil, ErrSettlementFailed
	}
	if len(out.Payments) > 0 && !slices.Contains(out.Payments, req.Payment.Rail) {
		return nil, fmt.Errorf("%w: %s", ErrRailNotAccepted, req.Payment.Rail)
	}
	pay, err := e.opts.Settler.Settle(ctx, SettleRequest{
		PaymentEvidence: *req.Payment,
		Resource:        req.Resource,
		PolicyHash:      out.PolicyHash,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	if pay == nil {
		return nil, ErrSettlementFailed
	}
	return pay, nil
}

func challengeDetail(presented *receipt.Result, settleErr error) string {
	switch {
	case presented != nil && presented.Failure != nil:
		return "presented receipt rejected: " + string(presented.Failure.Code)
	case errors.Is(settleErr, ErrRailNotAccepted):
		return "payment rail not accepted"
	case settleErr != nil:
		return "payment could not be settled"
	default:
		return "a receipt or payment is required"
	}
}

func denyDetail(out policy.Outcome) string {
	if out.Reason != "" {
		return "denied by " + out.Source + ": " + out.Reason
	}
	return "denied by " + out.Source
}

func (e *Engine) issue(ctx context.Context, req EnforceRequest, out policy.Outcome, pay *receipt.Payment) (string, *receipt.Claims, error) {
	rid, err := e.opts.NewID()
	if err != nil {
		return "", nil, err
	}
	now := e.opts.Now()
	claims := receipt.Claims{
		ReceiptID:   rid.String(),
		Issuer:      e.opts.Issuer,
		Subject:     receipt.Subject{URI: req.Resource},
		AIPref:      aiprefClaim(out),
		Purpose:     purposeClaim(req, out),
		Enforcement: &receipt.Enforcement{Method: enforcementMethod(out, pay), Decision: string(out.Decision), Rule: out.MatchedRule},
		Payment:     pay,
		CrawlerType: crawlerType(req.CrawlerType),
		PolicyHash:  out.PolicyHash,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(e.opts.ReceiptTTL).Unix(),
		Nonce:       uuid.NewString(),
	}
	token, err := e.opts.Signer.Sign(claims)
	if err != nil {
		return "", nil, err
	}
	claims.Version, claims.KeyID = receipt.WireVersion, e.opts.Signer.KeyID()
	e.opts.Hooks.OnReceiptIssued(ctx, telemetry.Event{
		ReceiptID:  e.opts.Hasher.ID(claims.ReceiptID),
		Issuer:     e.opts.Hasher.ID(claims.Issuer),
		Resource:   e.opts.Hasher.ID(req.Resource),
		KeyID:      claims.KeyID,
		PolicyHash: claims.PolicyHash,
		Decision:   string(out.Decision),
		Valid:      true,
	})
	return token, &claims, nil
}

func aiprefClaim(out policy.Outcome) *receipt.AIPref {
	a := &receipt.AIPref{Status: string(out.AIPref), Snapshot: out.AIPrefPrefs}
	if len(out.AIPrefPrefs) > 0 {
		if src, err := canonical.NewSource(policy.SourceAIPref, out.AIPrefPrefs); err == nil {
			if h, err := canonical.PolicyHash([]canonical.Source{src}); err == nil {
				a.Digest = h
			}
		}
	}
	return a
}

func purposeClaim(req EnforceRequest, out policy.Outcome) *receipt.Purpose {
	if req.Purpose == "" && len(req.Declared) == 0 {
		return nil
	}
	declared := req.Declared
	if len(declared) == 0 {
		declared = []string{string(req.Purpose)}
	}
	return &receipt.Purpose{Declared: declared, Enforced: string(req.Purpose), Reason: out.Reason}
}

func enforcementMethod(out policy.Outcome, pay *receipt.Payment) string {
	switch {
	case pay != nil:
		return "http-402"
	case out.Source != "":
		return "policy"
	default:
		return "none"
	}
}

var crawlerTypes = map[string]bool{
	"bot": true, "agent": true, "hybrid": true, "browser": true,
	"migrating": true, "test": true, "unknown": true,
}

func crawlerType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ""
	}
	if !crawlerTypes[t] {
		return "unknown"
	}
	return t
}
