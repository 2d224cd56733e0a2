package moderation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/halte/internal/config"
)

// Verdict is the outcome of a guardrail check.
type Verdict struct {
	Blocked bool
	// Term is the matched denylist entry, or "pattern #n".
	Term    string
	Refusal string
}

// Guardrail checks rider text against a fixed denylist.
type Guardrail struct {
	enabled  bool
	terms    []string
	patterns []*regexp.Regexp
	refusal  string
}

// New creates a guardrail from config. The term list is copied.
func New(cfg config.GuardrailConfig) (*Guardrail, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	terms := make([]string, 0, len(cfg.Terms))
	for _, t := range cfg.Terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}

	refusal := cfg.Refusal
	if strings.TrimSpace(refusal) == "" {
		refusal = config.DefaultRefusal
	}

	return &Guardrail{
		enabled:  cfg.Enabled,
		terms:    terms,
		patterns: patterns,
		refusal:  refusal,
	}, nil
}

// Check reports whether text must be refused. Terms match as
// case-insensitive substrings.
func (g *Guardrail) Check(text string) Verdict {
	if g == nil || !g.enabled {
		return Verdict{}
	}

	normalized := strings.ToLower(text)
	for _, t := range g.terms {
		if strings.Contains(normalized, t) {
			return Verdict{Blocked: true, Term: t, Refusal: g.refusal}
		}
	}
	for i, re := range g.patterns {
		if re.MatchString(text) {
			return Verdict{Blocked: true, Term: fmt.Sprintf("pattern #%d", i+1), Refusal: g.refusal}
		}
	}
	return Verdict{}
}

// Refusal returns the fixed refusal text.
func (g *Guardrail) Refusal() string {
	return g.refusal
}

// Terms returns a copy of the normalized denylist.
func (g *Guardrail) Terms() []string {
	return append([]string(nil), g.terms...)
}
