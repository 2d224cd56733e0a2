package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/halte/pkg/session"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicProvider implements LLMProvider for Anthropic Claude. Tools are
// not declared to the API, so tool turns are flattened to plain text.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	system, rest := splitSystem(request.Messages)

	anthropicMessages := make([]anthropic.MessageParam, 0, len(rest))
	for _, msg := range flattenToolTurns(rest) {
		switch msg.Role {
		case session.RoleUser:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case session.RoleAssistant:
			anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	model := request.Model
	if model == "" {
		model = p.model
	}
	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		reqParams.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if request.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(request.Temperature)
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, p.wrap(err)
	}

	var content strings.Builder
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(b.Text)
		}
	}
	if content.Len() == 0 {
		return nil, ErrEmptyCompletion
	}

	return &LLMResponse{
		Content: content.String(),
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) wrap(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.Provider(), Status: apiErr.StatusCode, Err: err}
	}
	return &ProviderError{Provider: p.Provider(), Err: err}
}

// flattenToolTurns rewrites tool-call and tool-result messages as text,
// merges consecutive messages of the same role and drops leading assistant
// messages, which the messages API rejects.
func flattenToolTurns(msgs []session.Message) []session.Message {
	out := make([]session.Message, 0, len(msgs))
	push := func(role session.Role, text string) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + text
			return
		}
		out = append(out, session.Message{Role: role, Content: text})
	}

	for _, m := range msgs {
		switch m.Role {
		case session.RoleAssistant:
			text := m.Content
			for _, tc := range m.ToolCalls {
				call := fmt.Sprintf(`{"tool_name": %q, "arguments": %s}`, tc.Name, tc.Arguments)
				if text != "" {
					text += "\n"
				}
				text += call
			}
			push(session.RoleAssistant, text)
		case session.RoleTool:
			push(session.RoleUser, fmt.Sprintf("Tool result for %s:\n%s", m.Name, m.Content))
		case session.RoleUser:
			push(session.RoleUser, m.Content)
		}
	}
	for len(out) > 0 && out[0].Role == session.RoleAssistant {
		out = out[1:]
	}
	return out
}
