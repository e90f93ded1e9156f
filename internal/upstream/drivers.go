package upstream

import (
	"sort"
	"strings"
)

// DefaultDriver serves any model whose family is not recognised.
const DefaultDriver = "openai-completion"

var familyDrivers = []struct {
	prefix string
	driver string
}{
	{"openrouter:", "openrouter"},
	{"togetherai:", "together-ai"},
	{"claude", "claude"},
	{"gemini", "gemini"},
	{"deepseek", "deepseek"},
	{"mistral", "mistral"},
	{"codestral", "mistral"},
	{"pixtral", "mistral"},
	{"ministral", "mistral"},
	{"grok", "xai"},
	{"gpt-", "openai-completion"},
	{"o1", "openai-completion"},
	{"o3", "openai-completion"},
	{"o4", "openai-completion"},
}

// DriverFor picks the Puter driver for model. Overrides map a model prefix
// to a driver; the longest matching override wins over family detection.
func DriverFor(model string, overrides map[string]string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if len(overrides) > 0 {
		prefixes := make([]string, 0, len(overrides))
		for p := range overrides {
			prefixes = append(prefixes, p)
		}
		sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
		for _, p := range prefixes {
			if strings.HasPrefix(m, strings.ToLower(p)) {
				return overrides[p]
			}
		}
	}
	for _, f := range familyDrivers {
		if strings.HasPrefix(m, f.prefix) {
			return f.driver
		}
	}
	return DefaultDriver
}
