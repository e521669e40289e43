package llms

import (
	"fmt"
	"os"
	"strings"
)

// ModelInfo is one entry of the model catalog.
type ModelInfo struct {
	Provider      string `json:"provider"`
	ID            string `json:"id"`
	ContextWindow int    `json:"contextWindow"`
	Reasoning     bool   `json:"reasoning"`
}

// knownModels is the catalog behind model listing and cycling. Unknown
// model ids still work; they get the provider's default window.
var knownModels = []ModelInfo{
	{Provider: "anthropic", ID: "claude-opus-4-1", ContextWindow: 200000, Reasoning: true},
	{Provider: "anthropic", ID: "claude-sonnet-4-5", ContextWindow: 200000, Reasoning: true},
	{Provider: "anthropic", ID: "claude-haiku-4-5", ContextWindow: 200000, Reasoning: true},
	{Provider: "anthropic", ID: "claude-3-5-haiku-latest", ContextWindow: 200000},
	{Provider: "openai", ID: "gpt-5", ContextWindow: 400000, Reasoning: true},
	{Provider: "openai", ID: "gpt-5-mini", ContextWindow: 400000, Reasoning: true},
	{Provider: "openai", ID: "gpt-4.1", ContextWindow: 1000000},
	{Provider: "openai", ID: "gpt-4o", ContextWindow: 128000},
	{Provider: "openai", ID: "o3", ContextWindow: 200000, Reasoning: true},
}

var defaultWindows = map[string]int{
	"anthropic": 200000,
	"openai":    128000,
}

// Models returns the catalog.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(knownModels))
	copy(out, knownModels)
	return out
}

// contextWindowFor looks up a model's window, falling back per provider.
func contextWindowFor(provider, model string) int {
	for _, m := range knownModels {
		if m.Provider == provider && m.ID == model {
			return m.ContextWindow
		}
	}
	if w, ok := defaultWindows[provider]; ok {
		return w
	}
	return 128000
}

// NextModel returns the catalog entry after the given one, wrapping
// around. Used by model cycling.
func NextModel(provider, model string) ModelInfo {
	for i, m := range knownModels {
		if m.Provider == provider && m.ID == model {
			return knownModels[(i+1)%len(knownModels)]
		}
	}
	return knownModels[0]
}

// apiKeyEnv maps providers to their conventional API key variables.
var apiKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// NewProvider constructs a provider adapter by name, pulling the API key
// from the environment when apiKey is empty.
func NewProvider(provider, model, apiKey string) (Provider, error) {
	provider = strings.ToLower(provider)
	if apiKey == "" {
		if env, ok := apiKeyEnv[provider]; ok {
			apiKey = os.Getenv(env)
		}
	}
	switch provider {
	case "anthropic":
		return NewAnthropicProvider(apiKey, model)
	case "openai":
		return NewOpenAIProvider(apiKey, model)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", provider)
	}
}
