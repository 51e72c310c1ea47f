// Package engine orchestrates receipt issuance and verification: discovery of
// publisher policy, evaluation, optional settlement, signing, and replay
// checks. All network access goes through safefetch.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultDiscoveryBudget = 250 * time.Millisecond
	DefaultMaxDocument     = 256 << 10
	DefaultReceiptTTL      = 5 * time.Minute
)

// Fetcher is satisfied by *safefetch.Client.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts safefetch.Options) (*safefetch.Response, error)
}

type Options struct {
	Fetcher Fetcher
	// Fetch carries the base fetch options, including the SSRF escape hatch.
	Fetch            safefetch.Options
	DiscoveryBudget  time.Duration
	MaxDocumentBytes int64

	// Signer issues receipts; Enforce without a signer never issues one.
	Signer     *receipt.Signer
	Issuer     string
	ReceiptTTL time.Duration

	// Verifier checks presented receipts. Nil means a FallbackVerifier over
	// the signer's own key.
	Verifier Verifier
	Settler  Settler

	Hooks  telemetry.Hooks
	Hasher telemetry.Hasher
	Tracer trace.Tracer

	Now   func() time.Time
	NewID func() (uuid.UUID, error)
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	if opts.Fetcher == nil {
		opts.Fetcher = safefetch.New()
	}
	if opts.DiscoveryBudget <= 0 {
		opts.DiscoveryBudget = DefaultDiscoveryBudget
	}
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = DefaultMaxDocument
	}
	if opts.ReceiptTTL <= 0 {
		opts.ReceiptTTL = DefaultReceiptTTL
	}
	if opts.Hooks == nil {
		opts.Hooks = telemetry.Nop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewV7
	}
	if opts.Verifier == nil {
		var keys receipt.KeyMap
		if opts.Signer != nil {
			keys = receipt.KeyMap{opts.Signer.KeyID(): opts.Signer.Public()}
		}
		opts.Verifier = &FallbackVerifier{Keys: keys, Options: receipt.VerifyOptions{Now: opts.Now}}
	}
	return &Engine{opts: opts}
}

// Verifier returns the configured receipt verifier.
func (e *Engine) Verifier() Verifier { return e.opts.Verifier }
