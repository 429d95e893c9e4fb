// Package classify maps failure text to a coarse error category.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// Unknown is returned when no rule matches.
const Unknown = "unknown"

// Rule pairs a pattern with the category it selects.
type Rule struct {
	Pattern  *regexp.Regexp
	Category string
}

// RuleSpec is the uncompiled form of a Rule, as read from config.
type RuleSpec struct {
	Pattern  string
	Category string
}

// Classifier evaluates an ordered rule list. The first matching rule wins.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New returns a Classifier over rules, evaluated in order.
func New(rules []Rule) *Classifier {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == nil || strings.TrimSpace(r.Category) == "" {
			continue
		}
		out = append(out, r)
	}
	return &Classifier{rules: out}
}

// Default returns a Classifier over DefaultRules.
func Default() *Classifier {
	return New(DefaultRules())
}

// WithDefaults returns a Classifier that evaluates custom before DefaultRules.
func WithDefaults(custom []Rule) *Classifier {
	rules := make([]Rule, 0, len(custom)+len(defaultRuleSpecs))
	rules = append(rules, custom...)
	rules = append(rules, DefaultRules()...)
	return New(rules)
}

// Classify returns the category of the first rule matching text, or Unknown.
func (c *Classifier) Classify(text string) string {
	if c == nil || strings.TrimSpace(text) == "" {
		return Unknown
	}
	for _, r := range c.rules {
		if r.Pattern.MatchString(text) {
			return r.Category
		}
	}
	return Unknown
}

// Rules returns a copy of the rule list in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Order matters: more specific signals come before broad ones, e.g. a panic
// inside a test run is a panic, not a test failure.
var defaultRuleSpecs = []RuleSpec{
	{Pattern: `(?i)context canceled|job cancelled`, Category: "cancelled"},
	{Pattern: `(?i)rate[ _-]?limit|too many requests|(status|http)[ :]*429`, Category: "rate_limit"},
	{Pattern: `(?i)unauthori[sz]ed|forbidden|invalid (api )?key|authentication (failed|error)|(status|http)[ :]*40[13]`, Category: "auth"},
	{Pattern: `(?i)timed? ?out|deadline exceeded`, Category: "timeout"},
	{Pattern: `(?i)out of memory|oom[- ]?kill|cannot allocate memory|signal: killed`, Category: "out_of_memory"},
	{Pattern: `(?i)panic:|segmentation (fault|violation)|nil pointer dereference`, Category: "panic"},
	{Pattern: `(?i)cannot find module|no required module provides|module not found|could not resolve dependenc|missing go\.sum entry|npm err! 404`, Category: "dependency"},
	{Pattern: `(?i)syntax error|undefined: |cannot use .+ as |compilation failed|build failed|error TS\d+|does not compile|expected .+, found`, Category: "compile_error"},
	{Pattern: `(?m)^--- FAIL|(?i)tests? failed|assertion ?error|assertion failed|\d+ failing|^FAIL\s`, Category: "test_failure"},
	{Pattern: `(?i)golangci-lint|eslint|\bvet: |lint (error|failed)`, Category: "lint"},
	{Pattern: `(?i)connection (refused|reset)|no such host|network is unreachable|unexpected EOF|tls handshake`, Category: "network"},
	{Pattern: `(?i)store: `, Category: "store"},
}

// DefaultRules returns the built-in rule list.
func DefaultRules() []Rule {
	rules, err := Compile(defaultRuleSpecs)
	if err != nil {
		panic(fmt.Sprintf("classify: invalid default rule: %v", err))
	}
	return rules
}

// Compile compiles specs in order. Empty categories are rejected.
func Compile(specs []RuleSpec) ([]Rule, error) {
	out := make([]Rule, 0, len(specs))
	for i, s := range specs {
		category := strings.TrimSpace(s.Category)
		if category == "" {
			return nil, fmt.Errorf("rule %d: category is required", i)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, category, err)
		}
		out = append(out, Rule{Pattern: re, Category: category})
	}
	return out, nil
}
