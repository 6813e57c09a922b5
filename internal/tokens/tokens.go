// Package tokens approximates token counts without a tokenizer dependency.
// The ~4 chars/token heuristic tracks GPT-style tokenization closely enough
// for budget comparisons; it is not billing-accurate.
package tokens

import "github.com/roundtable-ai/roundtable/pkg/models"

// Estimate returns the approximate token count of text. Deterministic,
// side-effect free, never negative.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	// Round up: (len + 3) / 4
	return (len(text) + 3) / 4
}

// EstimateMessages sums the estimate over each message's content.
func EstimateMessages(messages []models.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += Estimate(m.Content)
	}
	return total
}

// EstimateTurns sums the estimate over stored turns, using the summary
// text when useSummary is set (the budgeted-retrieval path) and raw text
// otherwise.
func EstimateTurns(turns []models.Turn, useSummary bool) int {
	total := 0
	for _, t := range turns {
		if useSummary {
			total += Estimate(t.Summary)
		} else {
			total += Estimate(t.Text)
		}
	}
	return total
}
