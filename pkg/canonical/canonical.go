package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags digests produced by PolicyHash.
const HashPrefix = "sha256:"

var (
	ErrEmptySourceType   = errors.New("policy source type required")
	ErrInvalidSourceType = errors.New("policy source type contains control characters")
)

// Source is one typed fragment of discovered policy. Content is opaque JSON.
type Source struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// NewSource marshals content and wraps it in a Source. Strings become JSON strings.
func NewSource(sourceType string, content interface{}) (Source, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Source{}, fmt.Errorf("marshal %s content: %w", sourceType, err)
	}
	return Source{Type: sourceType, Content: raw}, nil
}

// CanonicalizeJSON returns the RFC 8785 form of raw. Empty input canonicalizes to null.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return []byte("null"), nil
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return out, nil
}

type keyedSource struct {
	typ     string
	content []byte
}

// Sort returns sources ordered by (type, canonical content). Duplicates are kept.
// The input slice is not modified.
func Sort(sources []Source) ([]Source, error) {
	keyed, err := keyAll(sources)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(sources))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return lessKeyed(keyed[idx[a]], keyed[idx[b]])
	})
	out := make([]Source, len(sources))
	for i, j := range idx {
		out[i] = Source{Type: sources[j].Type, Content: json.RawMessage(keyed[j].content)}
	}
	return out, nil
}

// PolicyHash digests a policy-source multiset. Any permutation of the same
// (type, content) pairs yields the same value.
func PolicyHash(sources []Source) (string, error) {
	keyed, err := keyAll(sources)
	if err != nil {
		return "", err
	}
	sort.SliceStable(keyed, func(a, b int) bool { return lessKeyed(keyed[a], keyed[b]) })
	h := sha256.New()
	for _, k := range keyed {
		h.Write([]byte(k.typ))
		h.Write([]byte{0})
		h.Write(k.content)
		h.Write([]byte{'\n'})
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Digest hashes parts as lowercase hex sha256. Each part is written as
// "<len>:<bytes>|", so no two part lists share an input.
func Digest(parts ...string) string {
	h := sha256.New()
	var buf []byte
	for _, p := range parts {
		buf = strconv.AppendInt(buf[:0], int64(len(p)), 10)
		buf = append(buf, ':')
		buf = append(buf, p...)
		buf = append(buf, '|')
		_, _ = h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func keyAll(sources []Source) ([]keyedSource, error) {
	out := make([]keyedSource, len(sources))
	for i, s := range sources {
		typ := strings.TrimSpace(s.Type)
		if typ == "" {
			return nil, fmt.Errorf("source %d: %w", i, ErrEmptySourceType)
		}
		if strings.ContainsAny(typ, "\x00\n\r") {
			return nil, fmt.Errorf("source %d: %w", i, ErrInvalidSourceType)
		}
		content, err := CanonicalizeJSON(s.Content)
		if err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, typ, err)
		}
		out[i] = keyedSource{typ: typ, content: content}
	}
	return out, nil
}

func lessKeyed(a, b keyedSource) bool {
	if a.typ != b.typ {
		return a.typ < b.typ
	}
	return string(a.content) < string(b.content)
}
