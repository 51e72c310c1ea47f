// Package policy evaluates discovered policy sources into access decisions.
// Evaluation is pure: identical canonical inputs yield identical outcomes.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

type Decision string

const (
	Allow  Decision = "allow"
	Deny   Decision = "deny"
	Review Decision = "review"
)

func (d Decision) valid() bool { return d == Allow || d == Deny || d == Review }

// rank orders decisions by restrictiveness.
func (d Decision) rank() int {
	switch d {
	case Allow:
		return 0
	case Review:
		return 1
	default:
		return 2
	}
}

type SubjectType string

const (
	Human SubjectType = "human"
	Agent SubjectType = "agent"
	Org   SubjectType = "org"
)

type Purpose string

const (
	PurposeCrawl     Purpose = "crawl"
	PurposeIndex     Purpose = "index"
	PurposeTrain     Purpose = "train"
	PurposeInference Purpose = "inference"
	PurposeAIInput   Purpose = "ai_input"
	PurposeAIIndex   Purpose = "ai_index"
	PurposeSearch    Purpose = "search"
)

var knownPurposes = map[Purpose]bool{
	PurposeCrawl: true, PurposeIndex: true, PurposeTrain: true, PurposeInference: true,
	PurposeAIInput: true, PurposeAIIndex: true, PurposeSearch: true,
}

type LicensingMode string

const (
	LicensingSubscription    LicensingMode = "subscription"
	LicensingPayPerInference LicensingMode = "pay_per_inference"
	LicensingPayPerCrawl     LicensingMode = "pay_per_crawl"
)

var knownModes = map[LicensingMode]bool{
	LicensingSubscription: true, LicensingPayPerInference: true, LicensingPayPerCrawl: true,
}

const Version = "peac-policy/0.1"

var ErrInvalidPolicy = errors.New("invalid policy document")

// Document is a rule-based access policy. Rules are evaluated in order and the
// first match wins.
type Document struct {
	Version  string    `json:"version" yaml:"version"`
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	Defaults *Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Rules    []Rule    `json:"rules" yaml:"rules"`
}

type Defaults struct {
	Decision Decision `json:"decision" yaml:"decision"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type Rule struct {
	Name          string                   `json:"name" yaml:"name"`
	Subject       *SubjectMatcher          `json:"subject,omitempty" yaml:"subject,omitempty"`
	Purpose       OneOrMany[Purpose]       `json:"purpose,omitempty" yaml:"purpose,omitempty"`
	LicensingMode OneOrMany[LicensingMode] `json:"licensing_mode,omitempty" yaml:"licensing_mode,omitempty"`
	Decision      Decision                 `json:"decision" yaml:"decision"`
	Reason        string                   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// SubjectMatcher constrains the requester. ID supports a trailing '*' prefix
// match.
type SubjectMatcher struct {
	Type   SubjectType `json:"type,omitempty" yaml:"type,omitempty"`
	Labels []string    `json:"labels,omitempty" yaml:"labels,omitempty"`
	ID     string      `json:"id,omitempty" yaml:"id,omitempty"`
}

// OneOrMany decodes either a single scalar or a list.
type OneOrMany[T ~string] []T

func (o *OneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var one T
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*o = OneOrMany[T]{one}
		return nil
	}
	var many []T
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*o = many
	return nil
}

func (o *OneOrMany[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var one T
		if err := node.Decode(&one); err != nil {
			return err
		}
		*o = OneOrMany[T]{one}
		return nil
	}
	var many []T
	if err := node.Decode(&many); err != nil {
		return err
	}
	*o = many
	return nil
}

// ParseDocument decodes a JSON or YAML policy document and validates it.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
	} else if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) Validate() error {
	if d.Version != Version {
		return fmt.Errorf("%w: version %q, want %q", ErrInvalidPolicy, d.Version, Version)
	}
	if d.Defaults != nil && !d.Defaults.Decision.valid() {
		return fmt.Errorf("%w: defaults decision %q", ErrInvalidPolicy, d.Defaults.Decision)
	}
	names := map[string]bool{}
	for i, r := range d.Rules {
		if r.Name == "" {
			return fmt.Errorf("%w: rule %d has no name", ErrInvalidPolicy, i)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: duplicate rule %q", ErrInvalidPolicy, r.Name)
		}
		names[r.Name] = true
		if !r.Decision.valid() {
			return fmt.Errorf("%w: rule %q decision %q", ErrInvalidPolicy, r.Name, r.Decision)
		}
		for _, p := range r.Purpose {
			if !knownPurposes[p] {
				return fmt.Errorf("%w: rule %q purpose %q", ErrInvalidPolicy, r.Name, p)
			}
		}
		for _, m := range r.LicensingMode {
			if !knownModes[m] {
				return fmt.Errorf("%w: rule %q licensing mode %q", ErrInvalidPolicy, r.Name, m)
			}
		}
		if r.Subject != nil {
			switch r.Subject.Type {
			case "", Human, Agent, Org:
			default:
				return fmt.Errorf("%w: rule %q subject type %q", ErrInvalidPolicy, r.Name, r.Subject.Type)
			}
		}
	}
	return nil
}
