package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Providers lists the supported backend names.
var Providers = []string{"gemini", "openai", "anthropic"}

// NewProvider builds the named backend. An empty model selects the
// provider's default.
func NewProvider(ctx context.Context, providerName, apiKey, modelName string) (Provider, error) {
	switch strings.ToLower(providerName) {
	case "gemini":
		return NewGeminiProvider(ctx, apiKey, modelName)
	case "openai":
		return NewOpenAIProvider(apiKey, modelName), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey, modelName), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}
}

// EnvAPIKey returns the conventional environment variable value for a provider.
func EnvAPIKey(providerName string) string {
	switch strings.ToLower(providerName) {
	case "gemini":
		if k := os.Getenv("GOOGLE_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GEMINI_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}
