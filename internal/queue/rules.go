package queue

import (
	"fmt"
	"regexp"
	"strings"

	"healrun/internal/db"
)

// Rule assigns Priority to a submission when every non-empty matcher
// matches. Label compares case-insensitively against each issue label;
// TitleContains is a case-insensitive substring test; TitleRegex is matched
// against the raw title.
type Rule struct {
	Label         string
	TitleContains string
	TitleRegex    *regexp.Regexp
	Priority      db.Priority
}

func (r Rule) matches(labels []string, title string) bool {
	if r.Label == "" && r.TitleContains == "" && r.TitleRegex == nil {
		return false
	}
	if r.Label != "" {
		found := false
		for _, l := range labels {
			if strings.EqualFold(strings.TrimSpace(l), r.Label) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.TitleContains != "" && !strings.Contains(strings.ToLower(title), strings.ToLower(r.TitleContains)) {
		return false
	}
	if r.TitleRegex != nil && !r.TitleRegex.MatchString(title) {
		return false
	}
	return true
}

// Assign returns the priority of the first rule that matches, or
// PriorityNormal when none does.
func Assign(rules []Rule, labels []string, title string) db.Priority {
	for _, r := range rules {
		if r.matches(labels, title) {
			return r.Priority
		}
	}
	return db.PriorityNormal
}

// RuleSpec is the config form of a Rule.
type RuleSpec struct {
	Label         string `toml:"label"`
	TitleContains string `toml:"title_contains"`
	TitleRegex    string `toml:"title_regex"`
	Priority      string `toml:"priority"`
}

// CompileRules validates specs and returns them as rules, in order.
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	out := make([]Rule, 0, len(specs))
	for i, s := range specs {
		p, err := db.ParsePriority(s.Priority)
		if err != nil {
			return nil, fmt.Errorf("priority rule %d: %w", i, err)
		}
		r := Rule{Label: strings.TrimSpace(s.Label), TitleContains: s.TitleContains, Priority: p}
		if s.TitleRegex != "" {
			re, err := regexp.Compile(s.TitleRegex)
			if err != nil {
				return nil, fmt.Errorf("priority rule %d: title_regex: %w", i, err)
			}
			r.TitleRegex = re
		}
		if r.Label == "" && r.TitleContains == "" && r.TitleRegex == nil {
			return nil, fmt.Errorf("priority rule %d: needs label, title_contains or title_regex", i)
		}
		out = append(out, r)
	}
	return out, nil
}

// DefaultRules is used when config defines no priority rules.
func DefaultRules() []Rule {
	return []Rule{
		{Label: "security", Priority: db.PriorityUrgent},
		{Label: "incident", Priority: db.PriorityUrgent},
		{Label: "p0", Priority: db.PriorityUrgent},
		{TitleRegex: regexp.MustCompile(`(?i)\b(outage|data loss|production down)\b`), Priority: db.PriorityUrgent},
		{Label: "bug", Priority: db.PriorityHigh},
		{Label: "p1", Priority: db.PriorityHigh},
		{TitleRegex: regexp.MustCompile(`(?i)\b(crash|panic|regression)\b`), Priority: db.PriorityHigh},
		{Label: "chore", Priority: db.PriorityLow},
		{Label: "docs", Priority: db.PriorityLow},
		{Label: "documentation", Priority: db.PriorityLow},
	}
}
