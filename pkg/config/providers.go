package config

import (
	"fmt"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	defaultOllamaHost = "http://localhost:11434"
)

// ProviderPattern maps a model-name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns infers providers for model names, first match wins.
//
//nolint:gochecknoglobals // inference table
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"ollama:", ProviderOllama},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// ProviderFor infers the provider of modelName.
func ProviderFor(modelName string) (string, error) {
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: set model.provider explicitly", modelName)
}

// APIKey returns the credential for provider, consulting s before the
// environment. For Ollama it returns the host URL instead.
func APIKey(s *Secrets, provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		if host, err := s.Get(EnvOllamaHost); err == nil {
			return host, nil
		}
		return defaultOllamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := s.Get(envVar)
	if err != nil {
		return "", fmt.Errorf("API key not found: %w", err)
	}
	return key, nil
}
