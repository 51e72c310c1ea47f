// Package keys holds trusted Ed25519 verification keys: static sets, JWKS
// documents, key files, and remote JWKS fetched through safefetch.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/peacprotocol/peac-sub013/pkg/discovery"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrNoKeys     = errors.New("key set is empty")
)

// JWK is an OKP/Ed25519 JSON Web Key with the peac status extensions. D is
// only present in private key files.
type JWK struct {
	Kty       string `json:"kty"`
	Kid       string `json:"kid"`
	Alg       string `json:"alg,omitempty"`
	Use       string `json:"use,omitempty"`
	Crv       string `json:"crv,omitempty"`
	X         string `json:"x,omitempty"`
	D         string `json:"d,omitempty"`
	Status    string `json:"peac:status,omitempty"`
	ValidFrom string `json:"peac:valid_from,omitempty"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

func (j JWK) ed25519() bool { return j.Kty == "OKP" && j.Crv == "Ed25519" }

// PublicKey decodes x.
func (j JWK) PublicKey() (ed25519.PublicKey, error) {
	if !j.ed25519() {
		return nil, fmt.Errorf("%w: kty=%q crv=%q", ErrInvalidKey, j.Kty, j.Crv)
	}
	raw, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: kid %q x is not a 32-byte base64url key", ErrInvalidKey, j.Kid)
	}
	return ed25519.PublicKey(raw), nil
}

// PrivateKey decodes d (the 32-byte seed) and checks it against x when set.
func (j JWK) PrivateKey() (ed25519.PrivateKey, error) {
	if !j.ed25519() {
		return nil, fmt.Errorf("%w: kty=%q crv=%q", ErrInvalidKey, j.Kty, j.Crv)
	}
	seed, err := base64.RawURLEncoding.DecodeString(j.D)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: kid %q d is not a 32-byte base64url seed", ErrInvalidKey, j.Kid)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if j.X != "" {
		pub, err := j.PublicKey()
		if err != nil {
			return nil, err
		}
		if !pub.Equal(priv.Public()) {
			return nil, fmt.Errorf("%w: kid %q x does not match d", ErrInvalidKey, j.Kid)
		}
	}
	return priv, nil
}

// PublicJWK encodes pub as a JWK.
func PublicJWK(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Kid: kid,
		Alg: receipt.Alg,
		Use: "sig",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// PrivateJWK encodes priv with both its seed and public half.
func PrivateJWK(kid string, priv ed25519.PrivateKey) JWK {
	j := PublicJWK(kid, priv.Public().(ed25519.PublicKey))
	j.D = base64.RawURLEncoding.EncodeToString(priv.Seed())
	return j
}

// Generate creates a new signing key. A nil reader uses crypto/rand.
func Generate(kid string, r io.Reader) (JWK, error) {
	if !receipt.ValidKeyID(kid) {
		return JWK{}, fmt.Errorf("%w: kid %q", ErrInvalidKey, kid)
	}
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return JWK{}, fmt.Errorf("generate key: %w", err)
	}
	return PrivateJWK(kid, priv), nil
}

// Set is a concurrency-safe trusted key set. It satisfies receipt.Keys.
type Set struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

var _ receipt.Keys = (*Set)(nil)

func NewSet() *Set {
	return &Set{keys: map[string]ed25519.PublicKey{}}
}

func (s *Set) Add(kid string, pub ed25519.PublicKey) error {
	if !receipt.ValidKeyID(kid) {
		return fmt.Errorf("%w: kid %q", ErrInvalidKey, kid)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: kid %q has %d-byte key", ErrInvalidKey, kid, len(pub))
	}
	s.mu.Lock()
	s.keys[kid] = append(ed25519.PublicKey(nil), pub...)
	s.mu.Unlock()
	return nil
}

func (s *Set) Lookup(kid string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[kid]
	return k, ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// KIDs returns the key ids in sorted order.
func (s *Set) KIDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		out = append(out, kid)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// JWKS renders the set as public JWKs in kid order.
func (s *Set) JWKS() JWKS {
	out := JWKS{Keys: []JWK{}}
	for _, kid := range s.KIDs() {
		pub, _ := s.Lookup(kid)
		out.Keys = append(out.Keys, PublicJWK(kid, pub))
	}
	return out
}

// ParseJWKS builds a set from a JWKS document. Non-Ed25519 and revoked keys are
// skipped; a malformed Ed25519 key fails the whole document.
func ParseJWKS(raw []byte) (*Set, error) {
	var doc JWKS
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	return fromJWKs(doc.Keys)
}

func fromJWKs(list []JWK) (*Set, error) {
	set := NewSet()
	for _, k := range list {
		if !k.ed25519() || k.Status == StatusRevoked {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			return nil, err
		}
		if err := set.Add(k.Kid, pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// FromDiscovery builds a set from the public_keys of a peac.txt document.
func FromDiscovery(pks []discovery.PublicKey) (*Set, error) {
	set := NewSet()
	for _, pk := range pks {
		if pk.Alg != receipt.Alg {
			continue
		}
		pub, err := (JWK{Kty: "OKP", Crv: "Ed25519", Kid: pk.KID, X: pk.Key}).PublicKey()
		if err != nil {
			return nil, err
		}
		if err := set.Add(pk.KID, pub); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Chain resolves a kid against each key source in order.
type Chain []receipt.Keys

func (c Chain) Lookup(kid string) (ed25519.PublicKey, bool) {
	for _, k := range c {
		if k == nil {
			continue
		}
		if pub, ok := k.Lookup(kid); ok {
			return pub, true
		}
	}
	return nil, false
}
