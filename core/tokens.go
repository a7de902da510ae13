package core

// EstimateTokens approximates the token cost of a string for budget
// accounting. The abstract token unit is ~4 bytes of UTF-8, which tracks
// common LLM tokenizers closely enough for proportional budgeting.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
