// Package receipt signs and verifies PEAC receipts carried as compact JWS tokens.
package receipt

import (
	"crypto/ed25519"
	"regexp"
	"time"
)

const (
	Alg         = "EdDSA"
	Type        = "peac.receipt/0.9"
	WireVersion = "0.9.14"

	// DefaultClockSkew bounds how far exp and iat may drift from the verifier clock.
	DefaultClockSkew = 120 * time.Second
)

var kidPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidKeyID reports whether kid matches the key identifier format.
func ValidKeyID(kid string) bool {
	return kidPattern.MatchString(kid)
}

type Subject struct {
	URI string `json:"uri"`
}

// AIPref records the aipref snapshot the decision was evaluated against.
type AIPref struct {
	Status   string            `json:"status"`
	Snapshot map[string]string `json:"snapshot,omitempty"`
	Digest   string            `json:"digest,omitempty"`
}

type Purpose struct {
	Declared []string `json:"declared,omitempty"`
	Enforced string   `json:"enforced,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

type Enforcement struct {
	Method   string `json:"method"`
	Decision string `json:"decision,omitempty"`
	Rule     string `json:"rule,omitempty"`
}

// Payment is settlement evidence. Amount is in minor units of Currency.
type Payment struct {
	Rail      string `json:"rail"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Env       string `json:"env,omitempty"`
}

// Claims is the receipt payload. It is never mutated after signing.
type Claims struct {
	Version     string       `json:"version"`
	ReceiptID   string       `json:"rid,omitempty"`
	Issuer      string       `json:"iss,omitempty"`
	Subject     Subject      `json:"subject"`
	AIPref      *AIPref      `json:"aipref,omitempty"`
	Purpose     *Purpose     `json:"purpose,omitempty"`
	Enforcement *Enforcement `json:"enforcement,omitempty"`
	Payment     *Payment     `json:"payment,omitempty"`
	CrawlerType string       `json:"crawler_type,omitempty"`
	PolicyHash  string       `json:"policy_hash,omitempty"`
	IssuedAt    int64        `json:"iat"`
	ExpiresAt   int64        `json:"exp,omitempty"`
	KeyID       string       `json:"kid"`
	Nonce       string       `json:"nonce,omitempty"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid,omitempty"`
}

// Keys resolves trusted verification keys by kid.
type Keys interface {
	Lookup(kid string) (ed25519.PublicKey, bool)
}

// KeyMap is a static trusted key set.
type KeyMap map[string]ed25519.PublicKey

func (m KeyMap) Lookup(kid string) (ed25519.PublicKey, bool) {
	k, ok := m[kid]
	return k, ok
}
