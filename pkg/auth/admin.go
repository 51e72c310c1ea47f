// Package auth guards the operational endpoints of peacd with a static
// bearer token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/peacprotocol/peac-sub013/pkg/problem"
)

// ErrNoToken is returned by Guard when no token is configured and open
// operational endpoints were not explicitly allowed.
var ErrNoToken = errors.New("admin token required")

// Guard returns RequireToken(token). An empty token yields no check at all
// when allowOpen is set, and ErrNoToken otherwise.
func Guard(token string, allowOpen bool) (func(http.Handler) http.Handler, error) {
	if strings.TrimSpace(token) != "" {
		return RequireToken(token), nil
	}
	if !allowOpen {
		return nil, ErrNoToken
	}
	return func(next http.Handler) http.Handler { return next }, nil
}

// RequireToken rejects requests whose Authorization header does not carry
// token as a bearer credential. An empty token rejects every request.
func RequireToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		want := sha256.Sum256([]byte(token))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="peacd"`)
				problem.Write(w, r, problem.New(problem.CodeUnauthorized, "missing bearer token"))
				return
			}
			sum := sha256.Sum256([]byte(got))
			if subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="peacd", error="invalid_token"`)
				problem.Write(w, r, problem.New(problem.CodeUnauthorized, "invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(header string) (string, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
