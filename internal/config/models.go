package config

// DefaultModels is the offline model catalogue served when the Puter model
// list cannot be fetched.
func DefaultModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
		"claude-sonnet-4",
		"claude-opus-4",
		"claude-3-7-sonnet",
		"claude-3-5-sonnet",
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.0-flash",
		"deepseek-chat",
		"deepseek-reasoner",
		"mistral-large-latest",
		"grok-3",
	}
}
