// Package rules loads the AGT business rule index consulted by the validator
// and the repairer.
package rules

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"
)

// Index is the parsed rule table. It is read-only once loaded.
type Index struct {
	GeneratedAt   string     `json:"generated_at" yaml:"generated_at" validate:"required"`
	SchemaVersion string     `json:"schema_version" yaml:"schema_version" validate:"required"`
	Documents     []Document `json:"documents" yaml:"documents" validate:"dive"`
	Rules         []Rule     `json:"rules" yaml:"rules" validate:"dive"`

	path string
	now  func() time.Time
}

// Document describes an AGT source document a rule was extracted from
type Document struct {
	SourcePath       string   `json:"source_path" yaml:"source_path"`
	Filename         string   `json:"filename" yaml:"filename" validate:"required"`
	Filesize         int64    `json:"filesize" yaml:"filesize"`
	HashSHA256       string   `json:"hash_sha256" yaml:"hash_sha256"`
	Title            string   `json:"title" yaml:"title"`
	DocDate          string   `json:"doc_date" yaml:"doc_date"`
	DateConfidence   string   `json:"date_confidence" yaml:"date_confidence"`
	Version          string   `json:"version" yaml:"version"`
	Type             string   `json:"type" yaml:"type"`
	Entities         []string `json:"entities" yaml:"entities"`
	Abstract         string   `json:"abstract" yaml:"abstract"`
	UncertaintyLevel string   `json:"uncertainty_level" yaml:"uncertainty_level"`
}

// SourceRef points at the pages of a source document defining a rule
type SourceRef struct {
	Filename string `json:"filename" yaml:"filename" validate:"required"`
	Pages    []int  `json:"pages,omitempty" yaml:"pages"`
}

// Rule is a machine-checkable business rule
type Rule struct {
	RuleID        string         `json:"rule_id" yaml:"rule_id" validate:"required"`
	Scope         string         `json:"scope" yaml:"scope" validate:"required"`
	Semantics     string         `json:"semantics" yaml:"semantics"`
	Constraints   map[string]any `json:"constraints" yaml:"constraints"`
	AppliesSince  string         `json:"applies_since" yaml:"applies_since"`
	AppliesUntil  string         `json:"applies_until" yaml:"applies_until"`
	Precedence    int            `json:"precedence" yaml:"precedence"`
	SourceDocRefs []SourceRef    `json:"source_doc_refs" yaml:"source_doc_refs" validate:"dive"`
}

// Path returns the file the index was loaded from
func (ix *Index) Path() string {
	if ix == nil {
		return ""
	}
	return ix.path
}

// Len returns the number of rules
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.Rules)
}

// FindRule returns the rule with the given id
func (ix *Index) FindRule(id string) (Rule, bool) {
	if ix == nil {
		return Rule{}, false
	}
	for _, r := range ix.Rules {
		if r.RuleID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// InScope yields every rule whose scope matches, in index order
func (ix *Index) InScope(scope string) iter.Seq[Rule] {
	return func(yield func(Rule) bool) {
		if ix == nil {
			return
		}
		for _, r := range ix.Rules {
			if r.Scope != scope {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

func (ix *Index) clock() time.Time {
	if ix != nil && ix.now != nil {
		return ix.now()
	}
	return time.Now()
}

// Active reports whether the rule applies at the given time. Missing or
// unparseable bounds are treated as open.
func (r Rule) Active(at time.Time) bool {
	day := at.UTC().Format(time.DateOnly)
	if since, ok := ruleDate(r.AppliesSince); ok && day < since {
		return false
	}
	if until, ok := ruleDate(r.AppliesUntil); ok && day > until {
		return false
	}
	return true
}

func ruleDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(time.DateOnly) {
		return "", false
	}
	s = s[:len(time.DateOnly)]
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return "", false
	}
	return s, true
}

// String returns a string constraint
func (r Rule) String(key string) (string, bool) {
	v, ok := r.Constraints[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	default:
		return fmt.Sprint(t), true
	}
}

// Strings returns a list constraint. A scalar is treated as a one element list.
func (r Rule) Strings(key string) ([]string, bool) {
	v, ok := r.Constraints[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	default:
		return []string{fmt.Sprint(t)}, true
	}
}

// Bool returns a boolean constraint
func (r Rule) Bool(key string) (bool, bool) {
	v, ok := r.Constraints[key]
	if !ok || v == nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	}
	return false, false
}

// List returns the rules in scope, or every rule when scope is empty
func (ix *Index) List(scope string) []Rule {
	if ix == nil {
		return nil
	}
	if scope == "" {
		return slices.Clone(ix.Rules)
	}
	return slices.Collect(ix.InScope(scope))
}
