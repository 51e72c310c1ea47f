package receipt

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Code is a stable verification failure code.
type Code string

const (
	CodeInvalidFormat      Code = "InvalidFormat"
	CodeUnsupportedType    Code = "UnsupportedType"
	CodeUnsupportedVersion Code = "UnsupportedVersion"
	CodeUnknownKeyID       Code = "UnknownKeyId"
	CodeInvalidSignature   Code = "InvalidSignature"
	CodeExpired            Code = "Expired"
	CodeNotYetValid        Code = "NotYetValid"
	CodeReplay             Code = "Replay"

	// CodeSubjectMismatch is returned when a receipt is presented for a
	// resource other than its subject.
	CodeSubjectMismatch Code = "SubjectMismatch"
)

// Kind groups codes for audit and HTTP mapping.
type Kind string

const (
	KindFormat Kind = "format"
	KindTrust  Kind = "trust"
	KindExpiry Kind = "expiry"
	KindReplay Kind = "replay"
)

func (c Code) Kind() Kind {
	switch c {
	case CodeUnknownKeyID, CodeInvalidSignature, CodeSubjectMismatch:
		return KindTrust
	case CodeExpired, CodeNotYetValid:
		return KindExpiry
	case CodeReplay:
		return KindReplay
	default:
		return KindFormat
	}
}

type Failure struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

func (f *Failure) Error() string {
	return string(f.Code) + ": " + f.Detail
}

// Result is the outcome of Verify. Exactly one of Claims or Failure is set.
type Result struct {
	Valid   bool     `json:"valid"`
	Claims  *Claims  `json:"claims,omitempty"`
	KeyID   string   `json:"kid,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Fail builds an invalid result.
func Fail(code Code, format string, args ...any) Result {
	return Result{Failure: &Failure{Code: code, Detail: fmt.Sprintf(format, args...)}}
}

type VerifyOptions struct {
	// Now defaults to time.Now.
	Now       func() time.Time
	ClockSkew time.Duration
	// MaxAge rejects receipts whose iat is older than MaxAge. Zero disables the check.
	MaxAge time.Duration
}

var supportedVersions = mustConstraint(">= 0.9.0, < 1.0.0")

func mustConstraint(raw string) *semver.Constraints {
	c, err := semver.NewConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// Verify checks token against keys. It never panics and never returns a bare
// error: every rejection is a typed Failure.
func Verify(token string, keys Keys, opts VerifyOptions) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(CodeInvalidFormat, "malformed token")
		}
	}()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Fail(CodeInvalidFormat, "expected 3 segments, got %d", len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return Fail(CodeInvalidFormat, "segment %d is empty", i)
		}
	}
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Fail(CodeInvalidFormat, "header is not base64url")
	}
	var hdr header
	if err := json.Unmarshal(rawHeader, &hdr); err != nil {
		return Fail(CodeInvalidFormat, "header is not a json object")
	}
	if hdr.Alg != Alg || hdr.Typ != Type {
		return Fail(CodeUnsupportedType, "unsupported alg %q or typ %q", hdr.Alg, hdr.Typ)
	}
	if keys == nil {
		return Fail(CodeUnknownKeyID, "no trusted keys configured")
	}
	pub, ok := keys.Lookup(hdr.Kid)
	if hdr.Kid == "" || !ok {
		return Fail(CodeUnknownKeyID, "kid %q is not trusted", hdr.Kid)
	}
	if len(pub) != ed25519.PublicKeySize {
		return Fail(CodeUnknownKeyID, "kid %q has no usable key", hdr.Kid)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Fail(CodeInvalidSignature, "signature does not verify")
	}
	if err := jwt.SigningMethodEdDSA.Verify(parts[0]+"."+parts[1], sig, pub); err != nil {
		return Fail(CodeInvalidSignature, "signature does not verify")
	}

	rawPayload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Fail(CodeInvalidFormat, "payload is not base64url")
	}
	var claims Claims
	dec := json.NewDecoder(bytes.NewReader(rawPayload))
	if err := dec.Decode(&claims); err != nil {
		return Fail(CodeInvalidFormat, "payload is not valid claims json")
	}
	if claims.KeyID != hdr.Kid {
		return Fail(CodeInvalidFormat, "header kid and payload kid differ")
	}
	if strings.TrimSpace(claims.Subject.URI) == "" || claims.IssuedAt <= 0 {
		return Fail(CodeInvalidFormat, "subject.uri and iat are required")
	}
	if claims.ExpiresAt != 0 && claims.ExpiresAt < claims.IssuedAt {
		return Fail(CodeInvalidFormat, "exp before iat")
	}
	v, err := semver.NewVersion(claims.Version)
	if err != nil || !supportedVersions.Check(v) {
		return Fail(CodeUnsupportedVersion, "unsupported receipt version %q", claims.Version)
	}

	now := opts.Now()
	skew := int64(opts.ClockSkew / time.Second)
	unix := now.Unix()
	if claims.ExpiresAt != 0 && unix > claims.ExpiresAt+skew {
		return Fail(CodeExpired, "receipt expired")
	}
	if claims.IssuedAt > unix+skew {
		return Fail(CodeNotYetValid, "receipt issued in the future")
	}
	if opts.MaxAge > 0 && unix-claims.IssuedAt > int64(opts.MaxAge/time.Second)+skew {
		return Fail(CodeExpired, "receipt older than max age")
	}
	return Result{Valid: true, Claims: &claims, KeyID: hdr.Kid}
}

// VerifyBatch verifies each token independently; results are index-aligned.
func VerifyBatch(tokens []string, keys Keys, opts VerifyOptions) []Result {
	out := make([]Result, len(tokens))
	for i, tok := range tokens {
		out[i] = Verify(tok, keys, opts)
	}
	return out
}
