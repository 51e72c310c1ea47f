// Package discovery parses and emits the /.well-known/peac.txt document.
package discovery

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode"
)

const (
	WellKnownPath = "/.well-known/peac.txt"
	MaxLines      = 20
)

type PublicKey struct {
	KID string `json:"kid"`
	Alg string `json:"alg"`
	Key string `json:"key"`
}

func (k PublicKey) String() string { return k.KID + ":" + k.Alg + ":" + k.Key }

type Document struct {
	Verify        string      `json:"verify"`
	Preferences   string      `json:"preferences,omitempty"`
	AccessControl string      `json:"access_control,omitempty"`
	Payments      []string    `json:"payments,omitempty"`
	Provenance    string      `json:"provenance,omitempty"`
	Receipts      string      `json:"receipts,omitempty"`
	PublicKeys    []PublicKey `json:"public_keys,omitempty"`
}

// Result is the outcome of Parse. Document is nil whenever Valid is false.
type Result struct {
	Valid     bool      `json:"valid"`
	Document  *Document `json:"document,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
	LineCount int       `json:"line_count"`
}

type field int

const (
	fVerify field = iota
	fPreferences
	fAccessControl
	fPayments
	fProvenance
	fReceipts
	fPublicKeys
)

var fields = map[string]field{
	"verify":         fVerify,
	"preferences":    fPreferences,
	"access_control": fAccessControl,
	"payments":       fPayments,
	"provenance":     fProvenance,
	"receipts":       fReceipts,
	"public_keys":    fPublicKeys,
}

// Parse reads a discovery document. Blank lines and lines starting with '#'
// are ignored and do not count towards MaxLines. Unknown keys are ignored.
func Parse(text string) Result {
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	res := Result{LineCount: len(lines)}
	if len(lines) > MaxLines {
		res.Errors = []string{fmt.Sprintf("Line limit exceeded: %d > %d", len(lines), MaxLines)}
		return res
	}

	var d Document
	seen := map[field]bool{}
	var errs []string
	for i, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			errs = append(errs, fmt.Sprintf("line %d: expected 'key: value'", i+1))
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		f, known := fields[key]
		if !known {
			continue
		}
		if seen[f] {
			errs = append(errs, fmt.Sprintf("line %d: duplicate field %q", i+1, key))
			continue
		}
		seen[f] = true
		switch f {
		case fVerify:
			d.Verify = value
		case fPreferences:
			d.Preferences = value
		case fAccessControl:
			d.AccessControl = value
		case fProvenance:
			d.Provenance = value
		case fReceipts:
			d.Receipts = value
		case fPayments:
			items, err := parseArray(value)
			if err != nil {
				errs = append(errs, fmt.Sprintf("line %d: payments: %v", i+1, err))
				continue
			}
			d.Payments = items
		case fPublicKeys:
			items, err := parseArray(value)
			if err != nil {
				errs = append(errs, fmt.Sprintf("line %d: public_keys: %v", i+1, err))
				continue
			}
			for _, item := range items {
				parts := strings.Split(item, ":")
				if len(parts) != 3 {
					errs = append(errs, fmt.Sprintf("line %d: public_keys: %q is not kid:alg:key", i+1, item))
					continue
				}
				d.PublicKeys = append(d.PublicKeys, PublicKey{KID: parts[0], Alg: parts[1], Key: parts[2]})
			}
		}
	}
	errs = append(errs, d.Validate()...)
	if len(errs) > 0 {
		res.Errors = errs
		return res
	}
	res.Valid = true
	res.Document = &d
	return res
}

// parseArray accepts ["a","b"] and [a, b]. An empty array yields nil.
func parseArray(value string) ([]string, error) {
	if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
		return nil, fmt.Errorf("expected [...] array")
	}
	inner := strings.TrimSpace(value[1 : len(value)-1])
	if inner == "" {
		return nil, nil
	}
	var out []string
	for _, raw := range strings.Split(inner, ",") {
		item := strings.TrimSpace(raw)
		if len(item) >= 2 && item[0] == '"' && item[len(item)-1] == '"' {
			item = item[1 : len(item)-1]
		}
		if item == "" {
			return nil, fmt.Errorf("empty array element")
		}
		out = append(out, item)
	}
	return out, nil
}

// Validate returns every constraint violation in d. A nil result means d is
// valid and can be emitted.
func (d Document) Validate() []string {
	var errs []string
	if d.Verify == "" {
		errs = append(errs, "missing required field: verify")
	} else if err := checkURL(d.Verify); err != nil {
		errs = append(errs, "verify: "+err.Error())
	}
	for name, v := range map[string]string{"preferences": d.Preferences, "access_control": d.AccessControl} {
		if v == "" {
			continue
		}
		if err := checkURL(v); err != nil {
			errs = append(errs, name+": "+err.Error())
		}
	}
	if d.Provenance != "" {
		switch {
		case !printable(d.Provenance):
			errs = append(errs, "provenance: contains control characters")
		case strings.TrimSpace(d.Provenance) != d.Provenance:
			errs = append(errs, "provenance: has leading or trailing whitespace")
		}
	}
	switch d.Receipts {
	case "", "required", "optional":
	default:
		errs = append(errs, fmt.Sprintf("receipts: %q must be required or optional", d.Receipts))
	}
	for _, p := range d.Payments {
		if err := checkToken(p); err != nil {
			errs = append(errs, fmt.Sprintf("payments: %q %v", p, err))
		}
	}
	for _, k := range d.PublicKeys {
		for _, part := range []string{k.KID, k.Alg, k.Key} {
			if err := checkToken(part); err != nil {
				errs = append(errs, fmt.Sprintf("public_keys: %q %v", part, err))
			}
		}
		if k.Alg == "EdDSA" {
			raw, err := base64.RawURLEncoding.DecodeString(k.Key)
			if err != nil || len(raw) != 32 {
				errs = append(errs, fmt.Sprintf("public_keys: %s key must be 32 bytes base64url", k.KID))
			}
		}
	}
	// Map iteration above is unordered.
	sort.Strings(errs)
	return errs
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	if strings.ContainsAny(raw, " \t") || !printable(raw) || strings.TrimSpace(raw) != raw {
		return fmt.Errorf("%q contains whitespace or control characters", raw)
	}
	return nil
}

func checkToken(s string) error {
	if s == "" {
		return fmt.Errorf("is empty")
	}
	for _, r := range s {
		switch {
		case r == '"' || r == '\'' || r == ':' || r == '[' || r == ']' || r == ',':
			return fmt.Errorf("contains %q", r)
		case unicode.IsControl(r) || unicode.IsSpace(r):
			return fmt.Errorf("contains whitespace or control characters")
		}
	}
	return nil
}

func printable(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Emit renders d in canonical field order. Parse(Emit(d)) reproduces d, with
// empty arrays read back as nil.
func Emit(d Document) (string, error) {
	if errs := d.Validate(); len(errs) > 0 {
		return "", fmt.Errorf("invalid discovery document: %s", strings.Join(errs, "; "))
	}
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			b.WriteString(k + ": " + v + "\n")
		}
	}
	line("verify", d.Verify)
	line("preferences", d.Preferences)
	line("access_control", d.AccessControl)
	line("payments", emitArray(d.Payments))
	line("provenance", d.Provenance)
	line("receipts", d.Receipts)
	keys := make([]string, 0, len(d.PublicKeys))
	for _, k := range d.PublicKeys {
		keys = append(keys, k.String())
	}
	line("public_keys", emitArray(keys))
	return b.String(), nil
}

func emitArray(items []string) string {
	if len(items) == 0 {
		return ""
	}
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = `"` + it + `"`
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
