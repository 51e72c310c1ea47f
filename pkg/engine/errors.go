package engine

import (
	"errors"

	"github.com/peacprotocol/peac-sub013/pkg/problem"
)

var (
	ErrDiscoveryTimeout = errors.New("discovery timeout")
	ErrPayloadTooLarge  = errors.New("discovery payload too large")
	ErrDiscoveryInvalid = errors.New("invalid discovery document")
	ErrInvalidOrigin    = errors.New("invalid origin")
	ErrNoSigner         = errors.New("no signing key configured")
	ErrKeySetFetch      = errors.New("key set fetch failed")
)

// Error tags a sentinel with a problem code and a safe detail. The wrapped
// cause stays available to errors.As but never reaches the detail.
type Error struct {
	Kind   error
	Code   problem.Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ProblemCode() problem.Code { return e.Code }

func newError(kind error, code problem.Code, detail string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Detail: detail, Err: cause}
}
