// Package replay tracks hashed nonces so a receipt cannot be presented twice
// inside its TTL.
package replay

import (
	"context"
	"errors"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/canonical"
)

// DefaultTTL applies when a Context carries no TTL.
const DefaultTTL = 5 * time.Minute

var ErrNonceRequired = errors.New("replay: nonce required")

// Context identifies one nonce use. Only the digest of the triple is stored.
type Context struct {
	Issuer string
	KeyID  string
	Nonce  string
	TTL    time.Duration
}

// Key returns sha256(issuer|keyid|nonce) as hex.
func (c Context) Key() string {
	return canonical.Digest(c.Issuer, c.KeyID, c.Nonce)
}

func (c Context) ttl() time.Duration {
	if c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}

// Store reports whether a nonce was already used. Seen returns true for an
// unexpired entry without touching it; otherwise it records the entry and
// returns false. Implementations must make that check-and-insert atomic.
type Store interface {
	Seen(ctx context.Context, rc Context) (bool, error)
}

func validate(rc Context) error {
	if rc.Nonce == "" {
		return ErrNonceRequired
	}
	return nil
}
