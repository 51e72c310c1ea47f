package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads trusted public keys from a JWKS document or a single JWK.
func LoadFile(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParseKeys(raw)
}

// ParseKeys accepts either {"keys":[...]} or a bare JWK object.
func ParseKeys(raw []byte) (*Set, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(raw), &fields); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	var set *Set
	var err error
	if _, ok := fields["keys"]; ok {
		set, err = ParseJWKS(raw)
	} else {
		var k JWK
		if err := json.Unmarshal(raw, &k); err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		set, err = fromJWKs([]JWK{k})
	}
	if err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return nil, ErrNoKeys
	}
	return set, nil
}

// LoadPrivateKey reads a private JWK written by WritePrivateKey.
func LoadPrivateKey(path string) (string, ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read private key: %w", err)
	}
	var k JWK
	if err := json.Unmarshal(raw, &k); err != nil {
		return "", nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, err := k.PrivateKey()
	if err != nil {
		return "", nil, err
	}
	return k.Kid, priv, nil
}

// WritePrivateKey stores k with owner-only permissions.
func WritePrivateKey(path string, k JWK) error {
	if _, err := k.PrivateKey(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o600)
}
