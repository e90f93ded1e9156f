package config

// StarterChains returns default per-family fallback chains.
// Generated into config.yaml only on first run.
func StarterChains() map[string][]string {
	return map[string][]string{
		"claude-sonnet-4":   {"claude-3-7-sonnet", "claude-3-5-sonnet"},
		"claude-opus-4":     {"claude-sonnet-4", "claude-3-7-sonnet"},
		"gpt-4o":            {"gpt-4.1", "gpt-4o-mini"},
		"gpt-4.1":           {"gpt-4o", "gpt-4.1-mini"},
		"gemini-2.5-pro":    {"gemini-2.5-flash", "gemini-2.0-flash"},
		"gemini-2.5-flash":  {"gemini-2.0-flash"},
		"deepseek-reasoner": {"deepseek-chat"},
	}
}
