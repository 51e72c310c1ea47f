package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/peacprotocol/peac-sub013/pkg/canonical"
)

// Source types understood by EvaluateSources. Other types are hashed but do
// not influence the decision.
const (
	SourcePeacTxt          = "peac-txt"
	SourceAIPref           = "aipref"
	SourcePolicy           = "peac-policy"
	SourceAgentPermissions = "agent-permissions"
)

const ReasonNoPolicy = "no policy"

type Subject struct {
	Type   SubjectType `json:"type,omitempty"`
	Labels []string    `json:"labels,omitempty"`
	ID     string      `json:"id,omitempty"`
}

type Request struct {
	Subject       *Subject      `json:"subject,omitempty"`
	Purpose       Purpose       `json:"purpose,omitempty"`
	LicensingMode LicensingMode `json:"licensing_mode,omitempty"`
}

type Result struct {
	Decision    Decision `json:"decision"`
	MatchedRule string   `json:"matched_rule,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	IsDefault   bool     `json:"is_default"`
}

// Evaluate applies doc to req. The first matching rule wins; with no match the
// defaults apply, and without defaults the result is deny. A nil doc denies.
func Evaluate(doc *Document, req Request) Result {
	if doc == nil {
		return Result{Decision: Deny, Reason: ReasonNoPolicy, IsDefault: true}
	}
	for _, rule := range doc.Rules {
		if ruleMatches(rule, req) {
			return Result{Decision: rule.Decision, MatchedRule: rule.Name, Reason: rule.Reason}
		}
	}
	res := Result{Decision: Deny, IsDefault: true}
	if doc.Defaults != nil {
		res.Decision = doc.Defaults.Decision
		res.Reason = doc.Defaults.Reason
	}
	return res
}

func ruleMatches(rule Rule, req Request) bool {
	if rule.Subject != nil && !subjectMatches(req.Subject, rule.Subject) {
		return false
	}
	if len(rule.Purpose) > 0 && !contains(rule.Purpose, req.Purpose) {
		return false
	}
	if len(rule.LicensingMode) > 0 && !contains(rule.LicensingMode, req.LicensingMode) {
		return false
	}
	return true
}

func subjectMatches(s *Subject, m *SubjectMatcher) bool {
	if s == nil {
		return m.Type == "" && len(m.Labels) == 0 && m.ID == ""
	}
	if m.Type != "" && s.Type != m.Type {
		return false
	}
	if len(m.Labels) > 0 {
		have := make(map[string]bool, len(s.Labels))
		for _, l := range s.Labels {
			have[l] = true
		}
		for _, l := range m.Labels {
			if !have[l] {
				return false
			}
		}
	}
	if m.ID != "" {
		if prefix, ok := strings.CutSuffix(m.ID, "*"); ok {
			return strings.HasPrefix(s.ID, prefix)
		}
		return s.ID == m.ID
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	var zero T
	if v == zero {
		return false
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// aiprefCategory maps a request purpose to the aipref vocabulary key that
// governs it.
func aiprefCategory(p Purpose) string {
	switch p {
	case PurposeTrain:
		return "train-ai"
	case PurposeInference, PurposeAIInput:
		return "ai-use"
	case PurposeSearch, PurposeIndex, PurposeAIIndex:
		return "search"
	case PurposeCrawl:
		return "bots"
	default:
		return ""
	}
}

type AIPrefStatus string

const (
	AIPrefActive        AIPrefStatus = "active"
	AIPrefNotFound      AIPrefStatus = "not_found"
	AIPrefError         AIPrefStatus = "error"
	AIPrefNotApplicable AIPrefStatus = "not_applicable"
)

// Outcome is the combined decision over a set of policy sources.
type Outcome struct {
	Result
	// Source is the type of the source that produced the decision.
	Source       string            `json:"source,omitempty"`
	PolicyHash   string            `json:"policy_hash"`
	AIPref       AIPrefStatus      `json:"aipref"`
	AIPrefPrefs  map[string]string `json:"aipref_snapshot,omitempty"`
	Payments     []string          `json:"payments,omitempty"`
	ReceiptsMode string            `json:"receipts,omitempty"`
}

// EvaluateSources combines every policy source into one decision. The most
// restrictive contribution wins (deny over review over allow) and ties go to
// the first source in canonical order. Without any contributing source the
// result is allow.
func EvaluateSources(sources []canonical.Source, req Request) (Outcome, error) {
	sorted, err := canonical.Sort(sources)
	if err != nil {
		return Outcome{}, err
	}
	hash, err := canonical.PolicyHash(sorted)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		Result:     Result{Decision: Allow, Reason: ReasonNoPolicy, IsDefault: true},
		PolicyHash: hash,
		AIPref:     AIPrefNotFound,
	}
	apply := func(source string, r Result) {
		if out.Source == "" || r.Decision.rank() > out.Decision.rank() {
			out.Result = r
			out.Source = source
		}
	}

	for _, src := range sorted {
		typ := strings.TrimSpace(src.Type)
		switch typ {
		case SourcePeacTxt:
			var txt struct {
				Receipts string   `json:"receipts"`
				Payments []string `json:"payments"`
			}
			if err := json.Unmarshal(src.Content, &txt); err != nil {
				return Outcome{}, fmt.Errorf("%s source: %w", SourcePeacTxt, err)
			}
			out.Payments = append(out.Payments, txt.Payments...)
			if txt.Receipts == "required" {
				out.ReceiptsMode = "required"
				apply(SourcePeacTxt, Result{Decision: Review, Reason: "receipts required"})
			} else if out.ReceiptsMode == "" {
				out.ReceiptsMode = txt.Receipts
			}
		case SourceAIPref, SourceAgentPermissions:
			prefs, err := decodePrefs(src.Content)
			if err != nil {
				if typ == SourceAIPref {
					out.AIPref = AIPrefError
				}
				continue
			}
			if typ == SourceAIPref {
				out.AIPrefPrefs = mergePrefs(out.AIPrefPrefs, prefs)
			}
			cat := aiprefCategory(req.Purpose)
			if cat == "" {
				if out.AIPref != AIPrefActive {
					out.AIPref = AIPrefNotApplicable
				}
				continue
			}
			if typ == SourceAIPref {
				out.AIPref = AIPrefActive
			}
			if prefs[cat] == "n" {
				apply(typ, Result{Decision: Deny, MatchedRule: cat, Reason: cat + "=n"})
			}
		case SourcePolicy:
			var doc Document
			if err := json.Unmarshal(src.Content, &doc); err != nil {
				return Outcome{}, fmt.Errorf("%s source: %w", SourcePolicy, err)
			}
			if err := doc.Validate(); err != nil {
				return Outcome{}, err
			}
			apply(SourcePolicy, Evaluate(&doc, req))
		}
	}
	sort.Strings(out.Payments)
	out.Payments = dedupe(out.Payments)
	return out, nil
}

// decodePrefs accepts {"train-ai":"n"} and {"train-ai":false} forms.
func decodePrefs(raw json.RawMessage) (map[string]string, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		key := strings.ToLower(strings.TrimSpace(k))
		switch t := v.(type) {
		case bool:
			if t {
				out[key] = "y"
			} else {
				out[key] = "n"
			}
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "y", "yes", "allow", "true":
				out[key] = "y"
			case "n", "no", "disallow", "deny", "false":
				out[key] = "n"
			}
		}
	}
	return out, nil
}

func mergePrefs(into, from map[string]string) map[string]string {
	if into == nil {
		into = map[string]string{}
	}
	for k, v := range from {
		if v == "n" || into[k] == "" {
			into[k] = v
		}
	}
	return into
}

func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
