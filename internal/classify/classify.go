package classify

import (
	"fmt"
	"strings"
	"unicode"
)

// Operation is the mutation class of a method.
type Operation string

const (
	Read  Operation = "read"
	Write Operation = "write"
)

// Risk is the blast-radius tier of a method.
type Risk string

const (
	Low    Risk = "low"
	Medium Risk = "medium"
	High   Risk = "high"
)

// MatchKind controls how a pattern is compared against a normalized name.
type MatchKind int

const (
	// Token matches a whole underscore-separated word of the name.
	Token MatchKind = iota
	// Substring matches anywhere in the normalized name.
	Substring
)

// Rule maps a name pattern to an operation. Rules are evaluated in order.
type Rule struct {
	Pattern   string
	Match     MatchKind
	Operation Operation
}

// RiskRule assigns a risk tier to write operations whose name matches.
type RiskRule struct {
	Pattern string
	Match   MatchKind
	Risk    Risk
}

// Classification is the full classifier output for one method name.
type Classification struct {
	Operation Operation
	Risk      Risk
	// Matched is false when no rule recognized the name and the read/low default was applied.
	Matched bool
	// Rule is the pattern that decided the operation, empty when unmatched.
	Rule string
}

// Classifier evaluates ordered rule tables. The zero value has no rules and
// classifies everything as unmatched read/low.
type Classifier struct {
	Rules     []Rule
	RiskRules []RiskRule
}

// New returns a classifier over the given tables.
func New(rules []Rule, riskRules []RiskRule) *Classifier {
	return &Classifier{Rules: rules, RiskRules: riskRules}
}

var defaultClassifier = New(DefaultRules, DefaultRiskRules)

// Default returns the classifier backed by DefaultRules and DefaultRiskRules.
func Default() *Classifier {
	return defaultClassifier
}

// Classify returns the operation, risk and match state for name.
func (c *Classifier) Classify(name string) Classification {
	norm := Normalize(name)
	tokens := strings.Split(norm, "_")

	out := Classification{Operation: Read, Risk: Low}
	for _, r := range c.Rules {
		if matches(r.Match, r.Pattern, norm, tokens) {
			out.Operation = r.Operation
			out.Matched = true
			out.Rule = r.Pattern
			break
		}
	}
	if out.Operation != Write {
		return out
	}

	out.Risk = Medium
	for _, r := range c.RiskRules {
		if matches(r.Match, r.Pattern, norm, tokens) {
			out.Risk = r.Risk
			break
		}
	}
	return out
}

// Classify reports whether name reads or writes using the default tables.
func Classify(name string) Operation {
	return defaultClassifier.Classify(name).Operation
}

// RiskLevel returns the risk tier of name using the default tables.
func RiskLevel(name string) Risk {
	return defaultClassifier.Classify(name).Risk
}

// Describe returns the full default classification of name.
func Describe(name string) Classification {
	return defaultClassifier.Classify(name)
}

// IsSafeForAutoExecution reports whether name may run without a plan step.
func IsSafeForAutoExecution(name string) bool {
	c := defaultClassifier.Classify(name)
	return c.Operation == Read && c.Risk == Low
}

// DescriptionSuffix renders the classification hint appended to tool descriptions.
func DescriptionSuffix(c Classification) string {
	if c.Operation == Write {
		return fmt.Sprintf("[Write operation, Risk: %s] - Use .plan first, then .apply", c.Risk)
	}
	return fmt.Sprintf("[Read operation, Risk: %s]", c.Risk)
}

// Normalize lowers name to snake_case and keeps only its last dotted segment,
// so "CoreV1Api.deleteNamespacedPod" becomes "delete_namespaced_pod".
func Normalize(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}

	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && needsBreak(runes, i) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(collapseUnderscores(b.String()), "_")
}

func needsBreak(runes []rune, i int) bool {
	prev := runes[i-1]
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	// "HTTPServer" -> "http_server": break before the last upper of a run.
	return unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
}

func collapseUnderscores(s string) string {
	if !strings.Contains(s, "__") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := rune(0)
	for _, r := range s {
		if r == '_' && last == '_' {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}

func matches(kind MatchKind, pattern, norm string, tokens []string) bool {
	switch kind {
	case Substring:
		return strings.Contains(norm, pattern)
	default:
		for _, t := range tokens {
			if t == pattern {
				return true
			}
		}
		return false
	}
}
