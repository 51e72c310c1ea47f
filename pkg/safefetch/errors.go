package safefetch

import "fmt"

// Code is a stable rejection code. Callers log the code, never the raw cause.
type Code string

const (
	CodeInvalidURL       Code = "E_SSRF_INVALID_URL"
	CodeScheme           Code = "E_SSRF_SCHEME"
	CodeMethod           Code = "E_SSRF_METHOD"
	CodeBlockedAddress   Code = "E_SSRF_BLOCKED_ADDRESS"
	CodeDNS              Code = "E_SSRF_DNS"
	CodeDNSTimeout       Code = "E_SSRF_DNS_TIMEOUT"
	CodeConnectTimeout   Code = "E_SSRF_CONNECT_TIMEOUT"
	CodeHeadersTimeout   Code = "E_SSRF_HEADERS_TIMEOUT"
	CodeBodyTimeout      Code = "E_SSRF_BODY_TIMEOUT"
	CodeTooManyRedirects Code = "E_SSRF_TOO_MANY_REDIRECTS"
	CodeTooLarge         Code = "E_SSRF_RESPONSE_TOO_LARGE"
	CodeNetwork          Code = "E_SSRF_NETWORK"
	CodeStatus           Code = "E_SSRF_STATUS"
)

// Network reports whether the code is a transient network failure the caller
// may retry. Every other code is a policy rejection and must not be retried.
func (c Code) Network() bool {
	switch c {
	case CodeDNS, CodeDNSTimeout, CodeConnectTimeout, CodeHeadersTimeout, CodeBodyTimeout, CodeNetwork:
		return true
	default:
		return false
	}
}

// Timeout reports whether the code is a phase timeout.
func (c Code) Timeout() bool {
	switch c {
	case CodeDNSTimeout, CodeConnectTimeout, CodeHeadersTimeout, CodeBodyTimeout:
		return true
	default:
		return false
	}
}

type Error struct {
	Code Code
	// Detail is safe to surface; it never contains resolved addresses or raw errors.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, Err: cause}
}
