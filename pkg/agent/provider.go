package agent

import (
	"context"
	"fmt"

	"github.com/harun/halte/internal/config"
	"github.com/harun/halte/pkg/session"
)

// LLMProvider submits role-tagged messages and returns one completion.
type LLMProvider interface {
	// Call makes one completion request. It must honour ctx cancellation.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	// Model overrides the provider's configured model when set.
	Model       string
	Messages    []session.Message
	Temperature float64
	MaxTokens   int
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content string
	Usage   *TokenUsage
}

// ProviderCreator creates LLM providers from profiles.
type ProviderCreator interface {
	NewProvider(profile config.AIProfile) (LLMProvider, error)
}

// ProviderFactory creates the SDK-backed providers.
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on the profile
func (f *ProviderFactory) NewProvider(profile config.AIProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.Model, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.Model, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// splitSystem separates system messages, joined in order, from the rest.
func splitSystem(msgs []session.Message) (string, []session.Message) {
	var system string
	rest := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
