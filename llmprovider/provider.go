package llmprovider

import (
	"fmt"
	"os"
	"strings"

	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/turnflow/core"
)

// Config selects and authenticates an LLM provider.
type Config struct {
	Provider string `yaml:"provider" json:"provider"`
	APIKey   string `yaml:"api_key" json:"api_key,omitempty"`
	Model    string `yaml:"model" json:"model,omitempty"`
}

// APIKeyEnv returns the environment variable consulted when no API key is
// configured, e.g. TURNFLOW_PROVIDER_OPENAI_API_KEY.
func APIKeyEnv(provider string) string {
	return "TURNFLOW_PROVIDER_" + strings.ToUpper(provider) + "_API_KEY"
}

// NewClient creates a core.LLMClient for the configured provider.
// It delegates to the iris provider registry to instantiate the underlying provider.
func NewClient(cfg Config) (core.LLMClient, error) {
	if cfg.Provider == ScriptedProvider {
		return NewScripted(), nil
	}
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv(APIKeyEnv(cfg.Provider))
	}
	provider, err := providers.Create(cfg.Provider, key)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", cfg.Provider, err)
	}
	return &irisAdapter{provider: provider, model: cfg.Model}, nil
}
