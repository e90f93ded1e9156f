package tokenutil

import "strings"

const defaultContextLimit = 128_000

// ContextLimitForModel returns the context window for a model id as exposed
// by the Puter gateway. Unknown models get a conservative default.
func ContextLimitForModel(model string) int {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	switch model {
	case "gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro":
		return 1_048_576
	case "gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano":
		return 1_047_576
	case "gpt-4o", "gpt-4o-mini", "o1", "o3-mini":
		return 128_000
	case "gpt-5", "gpt-5-mini", "gpt-5-nano":
		return 400_000
	case "deepseek-chat", "deepseek-reasoner":
		return 64_000
	case "mistral-large-latest":
		return 128_000
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "grok-"):
		return 131_072
	case strings.HasPrefix(model, "gpt-4"):
		return 128_000
	}
	return defaultContextLimit
}

// ExceedsContext reports whether an estimated prompt cannot fit the model.
func ExceedsContext(model string, promptTokens int) bool {
	return promptTokens > ContextLimitForModel(model)
}
