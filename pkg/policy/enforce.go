package policy

import "net/http"

// WWWAuthenticate is sent with every 402 challenge.
const WWWAuthenticate = `PEAC realm="receipt", error="receipt_required"`

type Enforcement struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"-"`
	Allowed    bool        `json:"allowed"`
	Challenge  bool        `json:"challenge"`
}

// Enforce maps a decision to an HTTP outcome. Review is satisfied only by a
// verified receipt; unknown decisions deny.
func Enforce(d Decision, receiptVerified bool) Enforcement {
	e := Enforcement{Header: http.Header{}}
	switch d {
	case Allow:
		e.StatusCode, e.Allowed = http.StatusOK, true
	case Review:
		if receiptVerified {
			e.StatusCode, e.Allowed = http.StatusOK, true
			break
		}
		e.StatusCode, e.Challenge = http.StatusPaymentRequired, true
		e.Header.Set("WWW-Authenticate", WWWAuthenticate)
	default:
		e.StatusCode = http.StatusForbidden
	}
	return e
}
