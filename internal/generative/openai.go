// Package generative turns a list of role-tagged messages into a text
// completion. Like the embedding provider, the implementation is chosen at
// process start and injected; callers only see the Provider contract.
package generative

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged turn in a completion request.
type Message struct {
	Role    Role
	Content string
}

// Options tunes a completion request. Zero values fall back to provider
// defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completion is a finished generation.
type Completion struct {
	Content string
	Usage   Usage
}

// Provider is the generative contract consumed by the retrieval engine.
type Provider interface {
	Complete(ctx context.Context, messages []Message, opts Options) (*Completion, error)
}

// OpenAIProvider generates completions via the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider bound to one chat model.
func NewOpenAIProvider(client *openai.Client, model string) *OpenAIProvider {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIProvider{
		client: client,
		model:  model,
	}
}

// Complete sends the messages to the chat completions API and returns the
// first choice plus token usage.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to complete")
	}

	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(messages),
		Model:    p.model,
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
