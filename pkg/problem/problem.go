// Package problem writes RFC 9457 problem details. Every rejection carries a
// stable code and a detail string with token-like substrings redacted.
package problem

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"

	"github.com/peacprotocol/peac-sub013/pkg/breaker"
	"github.com/peacprotocol/peac-sub013/pkg/httpx"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/safefetch"
)

const (
	ContentType = "application/problem+json"
	typeBase    = "https://peacprotocol.org/problems/"
)

type Code string

const (
	CodeBadRequest       Code = "E_BAD_REQUEST"
	CodeNotFound         Code = "E_NOT_FOUND"
	CodeMethodNotAllowed Code = "E_METHOD_NOT_ALLOWED"
	CodePayloadTooLarge  Code = "E_PAYLOAD_TOO_LARGE"
	CodeRateLimited      Code = "E_RATE_LIMITED"
	CodeInternal         Code = "E_INTERNAL"
	CodeUnavailable      Code = "E_UNAVAILABLE"
	CodeCircuitOpen      Code = "E_CIRCUIT_OPEN"
	CodePaymentRequired  Code = "E_PAYMENT_REQUIRED"
	CodeForbidden        Code = "E_FORBIDDEN"
	CodeUnauthorized     Code = "E_UNAUTHORIZED"

	CodeInvalidFormat      Code = "E_INVALID_FORMAT"
	CodeUnsupportedType    Code = "E_UNSUPPORTED_TYPE"
	CodeUnsupportedVersion Code = "E_UNSUPPORTED_VERSION"
	CodeKeyNotFound        Code = "E_KEY_NOT_FOUND"
	CodeInvalidSignature   Code = "E_INVALID_SIGNATURE"
	CodeExpired            Code = "E_EXPIRED"
	CodeNotYetValid        Code = "E_NOT_YET_VALID"
	CodeReplay             Code = "E_REPLAY"
	CodeSubjectMismatch    Code = "E_SUBJECT_MISMATCH"

	CodeDiscoveryTimeout Code = "E_DISCOVERY_TIMEOUT"
	CodeDiscoveryInvalid Code = "E_DISCOVERY_INVALID"
	CodeJWKSFetchFailed  Code = "E_JWKS_FETCH_FAILED"
)

type entry struct {
	status    int
	title     string
	retriable bool
}

var registry = map[Code]entry{
	CodeBadRequest:       {http.StatusBadRequest, "Bad request", false},
	CodeNotFound:         {http.StatusNotFound, "Not found", false},
	CodeMethodNotAllowed: {http.StatusMethodNotAllowed, "Method not allowed", false},
	CodePayloadTooLarge:  {http.StatusRequestEntityTooLarge, "Payload too large", false},
	CodeRateLimited:      {http.StatusTooManyRequests, "Rate limited", true},
	CodeInternal:         {http.StatusInternalServerError, "Internal error", false},
	CodeUnavailable:      {http.StatusServiceUnavailable, "Service unavailable", true},
	CodeCircuitOpen:      {http.StatusServiceUnavailable, "Provider circuit open", true},
	CodePaymentRequired:  {http.StatusPaymentRequired, "Payment required", false},
	CodeForbidden:        {http.StatusForbidden, "Access denied", false},
	CodeUnauthorized:     {http.StatusUnauthorized, "Unauthorized", false},

	CodeInvalidFormat:      {http.StatusUnprocessableEntity, "Invalid receipt format", false},
	CodeUnsupportedType:    {http.StatusUnprocessableEntity, "Unsupported receipt type", false},
	CodeUnsupportedVersion: {http.StatusUnprocessableEntity, "Unsupported receipt version", false},
	CodeKeyNotFound:        {http.StatusUnprocessableEntity, "Unknown key id", false},
	CodeInvalidSignature:   {http.StatusUnprocessableEntity, "Invalid receipt signature", false},
	CodeExpired:            {http.StatusUnprocessableEntity, "Receipt expired", false},
	CodeNotYetValid:        {http.StatusUnprocessableEntity, "Receipt not yet valid", true},
	CodeReplay:             {http.StatusConflict, "Receipt replayed", false},
	CodeSubjectMismatch:    {http.StatusUnprocessableEntity, "Receipt subject mismatch", false},

	CodeDiscoveryTimeout: {http.StatusGatewayTimeout, "Discovery timed out", true},
	CodeDiscoveryInvalid: {http.StatusBadGateway, "Invalid discovery document", false},
	CodeJWKSFetchFailed:  {http.StatusServiceUnavailable, "Key set unavailable", true},
}

// Status returns the HTTP status for c; unknown codes map to 500.
func (c Code) Status() int {
	if e, ok := registry[c]; ok {
		return e.status
	}
	if fetchStatus(safefetch.Code(c)) != 0 {
		return fetchStatus(safefetch.Code(c))
	}
	return http.StatusInternalServerError
}

// Retriable reports whether the same request may succeed later.
func (c Code) Retriable() bool {
	if e, ok := registry[c]; ok {
		return e.retriable
	}
	return safefetch.Code(c).Network()
}

func (c Code) Title() string {
	if e, ok := registry[c]; ok {
		return e.title
	}
	if fetchStatus(safefetch.Code(c)) != 0 {
		return "Upstream fetch rejected"
	}
	return "Internal error"
}

func fetchStatus(c safefetch.Code) int {
	switch c {
	case safefetch.CodeInvalidURL, safefetch.CodeScheme, safefetch.CodeMethod, safefetch.CodeBlockedAddress:
		return http.StatusBadRequest
	case safefetch.CodeDNSTimeout, safefetch.CodeConnectTimeout, safefetch.CodeHeadersTimeout, safefetch.CodeBodyTimeout:
		return http.StatusGatewayTimeout
	case safefetch.CodeDNS, safefetch.CodeNetwork, safefetch.CodeTooManyRedirects, safefetch.CodeStatus:
		return http.StatusBadGateway
	case safefetch.CodeTooLarge:
		return http.StatusBadGateway
	default:
		return 0
	}
}

// ReceiptCode maps a verification failure code.
func ReceiptCode(c receipt.Code) Code {
	switch c {
	case receipt.CodeUnsupportedType:
		return CodeUnsupportedType
	case receipt.CodeUnsupportedVersion:
		return CodeUnsupportedVersion
	case receipt.CodeUnknownKeyID:
		return CodeKeyNotFound
	case receipt.CodeInvalidSignature:
		return CodeInvalidSignature
	case receipt.CodeExpired:
		return CodeExpired
	case receipt.CodeNotYetValid:
		return CodeNotYetValid
	case receipt.CodeReplay:
		return CodeReplay
	case receipt.CodeSubjectMismatch:
		return CodeSubjectMismatch
	default:
		return CodeInvalidFormat
	}
}

type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Code      Code   `json:"code"`
	Retriable bool   `json:"retriable,omitempty"`
}

// New builds a problem for code with a redacted detail.
func New(code Code, detail string) Problem {
	return Problem{
		Type:      typeBase + string(code),
		Title:     code.Title(),
		Status:    code.Status(),
		Detail:    Redact(detail),
		Code:      code,
		Retriable: code.Retriable(),
	}
}

// Coded is implemented by errors that carry their own problem code.
type Coded interface {
	error
	ProblemCode() Code
}

// FromError classifies err. Unrecognised errors become a generic 500 whose
// detail reveals nothing about the cause.
func FromError(err error) Problem {
	var coded Coded
	var fetch *safefetch.Error
	var failure *receipt.Failure
	switch {
	case err == nil:
		return New(CodeInternal, "")
	case errors.As(err, &coded):
		return New(coded.ProblemCode(), coded.Error())
	case errors.As(err, &fetch):
		return New(Code(fetch.Code), fetch.Detail)
	case errors.As(err, &failure):
		return New(ReceiptCode(failure.Code), failure.Detail)
	case errors.Is(err, breaker.ErrCircuitOpen):
		return New(CodeCircuitOpen, "provider temporarily unavailable")
	case errors.Is(err, httpx.ErrBodyTooLarge):
		return New(CodePayloadTooLarge, "request body too large")
	case errors.Is(err, httpx.ErrInvalidJSON):
		return New(CodeBadRequest, "invalid json body")
	default:
		return New(CodeInternal, "internal error")
	}
}

// Write sends p. Instance defaults to the request path.
func Write(w http.ResponseWriter, r *http.Request, p Problem) {
	if p.Instance == "" && r != nil {
		p.Instance = r.URL.Path
	}
	p.Detail = Redact(p.Detail)
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError classifies err and writes it.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	Write(w, r, FromError(err))
}

var (
	jwsPattern    = regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`)
	base64Pattern = regexp.MustCompile(`[A-Za-z0-9+/_-]{40,}={0,2}`)
)

// Redact replaces JWS-looking strings and base64 runs of 40 or more
// characters with [redacted].
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = jwsPattern.ReplaceAllString(s, "[redacted]")
	return base64Pattern.ReplaceAllString(s, "[redacted]")
}

// Recoverer turns panics into a generic 500 problem. The panic value is never
// written to the response.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Printf("error: panic serving %s %s", r.Method, r.URL.Path)
				Write(w, r, New(CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NotFound and MethodNotAllowed are router fallbacks.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Write(w, r, New(CodeNotFound, "no route for "+r.URL.Path))
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Write(w, r, New(CodeMethodNotAllowed, r.Method+" not allowed"))
}
