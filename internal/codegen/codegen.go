// Package codegen holds the code-generation collaborators the runner calls
// on each attempt.
package codegen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"healrun/internal/cost"
)

// Request is one code-generation call. Attempt 0 is the initial attempt;
// later attempts carry the previous verify failure.
type Request struct {
	JobID         string
	IssueRef      string
	RepoKey       string
	Title         string
	Notes         string
	WorkDir       string
	Attempt       int
	FailureOutput string
}

// Result is what a generator produced and what it cost.
type Result struct {
	Changes  string
	Usage    cost.Usage
	Duration time.Duration
}

// Generator produces changes for a request.
type Generator interface {
	// Name is the pricing key, e.g. "claude" or "anthropic".
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// Prompt renders req as the instruction text sent to a generator. Fix
// attempts embed the failure output verbatim.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve issue %s in repository %s.\n", req.IssueRef, req.RepoKey)
	if t := strings.TrimSpace(req.Title); t != "" {
		fmt.Fprintf(&b, "Title: %s\n", t)
	}
	if n := strings.TrimSpace(req.Notes); n != "" {
		fmt.Fprintf(&b, "\nOperator notes:\n%s\n", n)
	}
	if req.Attempt > 0 {
		fmt.Fprintf(&b, "\nFix attempt %d. The previous change failed verification with this output:\n", req.Attempt)
		b.WriteString("```\n")
		b.WriteString(strings.TrimRight(req.FailureOutput, "\n"))
		b.WriteString("\n```\n")
		b.WriteString("Change the code so the build and tests pass. Keep the original goal.\n")
	}
	return b.String()
}

// New builds the generator named by provider. "anthropic" uses the
// Messages API; "claude" and "codex" shell out to their CLIs.
func New(provider string, api AnthropicConfig) (Generator, error) {
	switch provider {
	case "claude", "codex":
		return NewCLIProvider(provider), nil
	case "anthropic":
		return NewAnthropicProvider(api)
	default:
		return nil, fmt.Errorf("unknown codegen provider %q (want claude, codex or anthropic)", provider)
	}
}
