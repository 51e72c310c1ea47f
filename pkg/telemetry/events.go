package telemetry

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type EventType string

const (
	ReceiptIssued   EventType = "receipt_issued"
	ReceiptVerified EventType = "receipt_verified"
	AccessDecision  EventType = "access_decision"
)

// Event is a privacy-safe notification. Identifier fields hold hashes, never
// raw receipts, issuers or resource URLs.
type Event struct {
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	Receipt    string    `json:"receipt,omitempty"`
	Issuer     string    `json:"issuer,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	KeyID      string    `json:"kid,omitempty"`
	PolicyHash string    `json:"policy_hash,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	Status     int       `json:"status,omitempty"`
	Valid      bool      `json:"valid"`
	Code       string    `json:"code,omitempty"`
	Rail       string    `json:"rail,omitempty"`
}

// Hooks receives engine notifications. Calls are fire-and-forget and must not
// block the request path.
type Hooks interface {
	OnReceiptIssued(ctx context.Context, e Event)
	OnReceiptVerified(ctx context.Context, e Event)
	OnAccessDecision(ctx context.Context, e Event)
}

// Sink is one delivery target for events.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// Hasher derives stable identifiers. With a salt the digest is an HMAC, so
// low-entropy values such as resource URLs cannot be brute-forced from logs.
type Hasher struct {
	Salt []byte
}

// ID hashes v. Empty values stay empty.
func (h Hasher) ID(v string) string {
	if v == "" {
		return ""
	}
	if len(h.Salt) == 0 {
		sum := sha256.Sum256([]byte(v))
		return hex.EncodeToString(sum[:16])
	}
	mac := hmac.New(sha256.New, h.Salt)
	_, _ = mac.Write([]byte(v))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// Emitter implements Hooks by stamping the event type and fanning out to
// every sink.
type Emitter struct {
	Sinks []Sink
	Now   func() time.Time
}

var _ Hooks = (*Emitter)(nil)

func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{Sinks: sinks}
}

func (m *Emitter) OnReceiptIssued(ctx context.Context, e Event) {
	m.emit(ctx, ReceiptIssued, e)
}

func (m *Emitter) OnReceiptVerified(ctx context.Context, e Event) {
	m.emit(ctx, ReceiptVerified, e)
}

func (m *Emitter) OnAccessDecision(ctx context.Context, e Event) {
	m.emit(ctx, AccessDecision, e)
}

func (m *Emitter) emit(ctx context.Context, t EventType, e Event) {
	if m == nil {
		return
	}
	e.Type = t
	if e.At.IsZero() {
		now := time.Now
		if m.Now != nil {
			now = m.Now
		}
		e.At = now().UTC()
	}
	for _, s := range m.Sinks {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnReceiptIssued(context.Context, Event)   {}
func (Nop) OnReceiptVerified(context.Context, Event) {}
func (Nop) OnAccessDecision(context.Context, Event)  {}
