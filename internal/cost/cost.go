package cost

import "fmt"

// Rate holds per-1M-token pricing in USD.
type Rate struct {
	Input       float64 `toml:"input"`        // USD per 1M input tokens
	Output      float64 `toml:"output"`       // USD per 1M output tokens
	CachedInput float64 `toml:"cached_input"` // USD per 1M cache-read input tokens
}

// Usage is a token count triple reported by a code-generation call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CachedTokens: u.CachedTokens + o.CachedTokens,
	}
}

// Total is the sum of all three counters.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CachedTokens
}

// Table maps a provider name to its pricing.
type Table map[string]Rate

// DefaultRates contains hardcoded per-provider pricing.
var DefaultRates = Table{
	"claude":    {Input: 3.00, Output: 15.00, CachedInput: 0.30},
	"codex":     {Input: 3.00, Output: 12.00, CachedInput: 0.75},
	"anthropic": {Input: 3.00, Output: 15.00, CachedInput: 0.30},
}

// Merge returns a copy of t with overrides applied on top.
func (t Table) Merge(overrides Table) Table {
	out := make(Table, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Calculate returns the estimated cost in USD for the given usage.
// Unknown providers cost nothing.
func (t Table) Calculate(provider string, u Usage) float64 {
	rate, ok := t[provider]
	if !ok {
		return 0
	}
	inCost := float64(u.InputTokens) / 1_000_000 * rate.Input
	outCost := float64(u.OutputTokens) / 1_000_000 * rate.Output
	cachedCost := float64(u.CachedTokens) / 1_000_000 * rate.CachedInput
	return inCost + outCost + cachedCost
}

// FormatUSD formats a cost as a dollar string (e.g. "$0.42" or "$1.23").
func FormatUSD(cost float64) string {
	return fmt.Sprintf("$%.2f", cost)
}

// FormatRate returns a display string for a provider's rate (e.g. "$3.00/$15.00 per 1M tokens").
func (t Table) FormatRate(provider string) string {
	rate, ok := t[provider]
	if !ok {
		return "unknown pricing"
	}
	return fmt.Sprintf("$%.2f/$%.2f per 1M tokens", rate.Input, rate.Output)
}
