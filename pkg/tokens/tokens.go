// Package tokens provides the character-ratio token estimator and the token
// budget arithmetic used everywhere a context or output limit matters.
package tokens

import "unicode/utf8"

// perMessageOverhead accounts for role markers and separators the provider
// adds around each message.
const perMessageOverhead = 4

// Estimate approximates the token count of text at 2.5 characters per token.
// The ratio is deliberately conservative for mixed prose and code.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) * 2 / 5
	if n < 1 {
		return 1
	}
	return n
}

// EstimateAll sums Estimate over texts plus a small per-item overhead.
func EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t) + perMessageOverhead
	}
	return total
}

// Budget tracks how a context window is carved up for one LLM call.
type Budget struct {
	Total          int
	ReservedOutput int
	SystemPrompt   int
}

// NewBudget reserves outputRatio of total for the reply. Ratio outside (0,1)
// falls back to 0.25.
func NewBudget(total int, outputRatio float64) Budget {
	if outputRatio <= 0 || outputRatio >= 1 {
		outputRatio = 0.25
	}
	return Budget{
		Total:          total,
		ReservedOutput: int(float64(total) * outputRatio),
	}
}

// WithSystemPrompt returns a copy accounting for the system prompt's tokens.
func (b Budget) WithSystemPrompt(prompt string) Budget {
	b.SystemPrompt = Estimate(prompt)
	return b
}

// Available is what remains for history and gathered context, never negative.
func (b Budget) Available() int {
	n := b.Total - b.ReservedOutput - b.SystemPrompt
	if n < 0 {
		return 0
	}
	return n
}
