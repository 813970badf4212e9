package llm

import "fmt"

// Provider kinds accepted by NewGenerator.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// NewGenerator builds a Generator for a provider kind. An empty kind means
// an OpenAI-compatible endpoint.
func NewGenerator(kind, baseURL, apiKey, model string, maxTokens int) (Generator, error) {
	if model == "" {
		return nil, fmt.Errorf("no model configured")
	}
	switch kind {
	case "", KindOpenAI:
		return NewOpenAI(baseURL, apiKey, model, maxTokens), nil
	case KindAnthropic:
		return NewAnthropic(baseURL, apiKey, model, maxTokens), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q (want %s or %s)", kind, KindOpenAI, KindAnthropic)
	}
}
