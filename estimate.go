package chatcore

// EstimateTokens gives a rough token count for a text message using the
// ~4 chars per token approximation. Not a real tokenizer; user limits
// tolerate the error.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if n < 1 {
		return 1
	}
	return n
}

// promptTokens estimates the token count of the newest user turn, which
// is what the per-message and daily token limits are charged against.
func promptTokens(messages []Message) int64 {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return EstimateTokens(messages[i].Content)
		}
	}
	return 0
}
