package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenRouterBaseURL is the OpenAI-compatible OpenRouter endpoint.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// Compile-time interface check.
var _ Provider = (*OpenRouter)(nil)

// OpenRouter is a Provider backed by the OpenRouter chat-completions API,
// or any other OpenAI-compatible endpoint.
type OpenRouter struct {
	client *openai.Client
	models []string
}

// OpenRouterConfig configures the OpenRouter provider.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	// Models is the static catalog reported by ListModels; OpenRouter
	// serves far more models than a conversation ever uses, so the
	// configured council list is the catalog.
	Models []string
}

// NewOpenRouter creates an OpenRouter provider. An empty API key is
// allowed; authentication failures surface at call time.
func NewOpenRouter(cfg OpenRouterConfig) *OpenRouter {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = DefaultOpenRouterBaseURL
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenRouter{
		client: openai.NewClientWithConfig(clientConfig),
		models: cfg.Models,
	}
}

// Name implements Provider.
func (p *OpenRouter) Name() string { return "openrouter" }

// ListModels implements Provider.
func (p *OpenRouter) ListModels(ctx context.Context) ([]string, error) {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out, nil
}

// StreamChat implements Provider using the chat-completions streaming API.
func (p *OpenRouter) StreamChat(ctx context.Context, model string, messages []Message) (<-chan StreamResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(messages),
		Stream:   true,
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openrouter: create stream for %s: %w", model, err)
	}

	ch := make(chan StreamResponse)
	go func() {
		defer close(ch)
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				ch <- StreamResponse{Done: true}
				return
			}
			if err != nil {
				ch <- StreamResponse{Err: fmt.Errorf("openrouter: stream %s: %w", model, err)}
				return
			}
			if len(response.Choices) > 0 {
				if content := response.Choices[0].Delta.Content; content != "" {
					select {
					case ch <- StreamResponse{Content: content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// Chat implements Provider with a non-streaming completion.
func (p *OpenRouter) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(messages),
	})
	if err != nil {
		return "", fmt.Errorf("openrouter: chat %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openrouter: chat %s: empty response", model)
	}
	return resp.Choices[0].Message.Content, nil
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
