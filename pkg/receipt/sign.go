package receipt

import (
	"bytes"
	"crypto/ed25519"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSigning wraps every failure to produce a token.
var ErrSigning = errors.New("signing error")

//go:embed receipt.schema.json
var receiptSchema string

var claimsSchema = jsonschema.MustCompileString("peac-receipt.schema.json", receiptSchema)

// Signer issues receipts with a fixed key. It is safe for concurrent use.
type Signer struct {
	key ed25519.PrivateKey
	kid string
}

func NewSigner(key ed25519.PrivateKey, kid string) (*Signer, error) {
	if err := checkPrivateKey(key); err != nil {
		return nil, err
	}
	if !ValidKeyID(kid) {
		return nil, fmt.Errorf("%w: invalid kid %q", ErrSigning, kid)
	}
	return &Signer{key: key, kid: kid}, nil
}

func (s *Signer) KeyID() string { return s.kid }

// Public returns the verification key matching the signer.
func (s *Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

func (s *Signer) Sign(claims Claims) (string, error) {
	return sign(claims, s.key, s.kid)
}

// Sign builds the protected header and signs claims with key under kid.
func Sign(claims Claims, key ed25519.PrivateKey, kid string) (string, error) {
	if err := checkPrivateKey(key); err != nil {
		return "", err
	}
	return sign(claims, key, kid)
}

func sign(claims Claims, key ed25519.PrivateKey, kid string) (string, error) {
	if !ValidKeyID(kid) {
		return "", fmt.Errorf("%w: invalid kid %q", ErrSigning, kid)
	}
	if strings.TrimSpace(claims.Subject.URI) == "" {
		return "", fmt.Errorf("%w: subject.uri required", ErrSigning)
	}
	if claims.IssuedAt <= 0 {
		return "", fmt.Errorf("%w: iat required", ErrSigning)
	}
	if claims.ExpiresAt != 0 && claims.ExpiresAt < claims.IssuedAt {
		return "", fmt.Errorf("%w: exp before iat", ErrSigning)
	}
	if claims.Version == "" {
		claims.Version = WireVersion
	}
	claims.KeyID = kid

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("%w: marshal claims: %v", ErrSigning, err)
	}
	if err := validateClaims(payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	hdr, err := json.Marshal(header{Alg: Alg, Typ: Type, Kid: kid})
	if err != nil {
		return "", fmt.Errorf("%w: marshal header: %v", ErrSigning, err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(hdr) + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig, err := jwt.SigningMethodEdDSA.Sign(signingInput, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func validateClaims(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := claimsSchema.Validate(doc); err != nil {
		return fmt.Errorf("claims schema: %w", err)
	}
	return nil
}

func checkPrivateKey(key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: private key must be %d bytes, got %d", ErrSigning, ed25519.PrivateKeySize, len(key))
	}
	derived := ed25519.NewKeyFromSeed(key.Seed())
	if !bytes.Equal(derived[ed25519.SeedSize:], key[ed25519.SeedSize:]) {
		return fmt.Errorf("%w: private key public half does not match seed", ErrSigning)
	}
	return nil
}
