// Package llm holds the model-call collaborators: adapters that turn a
// prompt plus a model identifier into a stream of response chunks. The
// engine is agnostic to which concrete backend serves a given model.
package llm

import "context"

// Message is a chat message sent to a model.
type Message struct {
	Role    string `json:"role"` // "user", "assistant" or "system"
	Content string `json:"content"`
}

// UserMessage builds a single-message prompt with the user role.
func UserMessage(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// StreamResponse is one chunk of a streaming model call. Exactly one of
// Content, Done or Err is meaningful per value.
type StreamResponse struct {
	Content string
	Done    bool
	Err     error
}

// Provider is a model-call collaborator for one backend.
type Provider interface {
	// StreamChat issues a prompt to the given model and returns a channel
	// of chunks. The channel is closed after a Done or Err value. The call
	// is abandoned when ctx is cancelled.
	StreamChat(ctx context.Context, model string, messages []Message) (<-chan StreamResponse, error)

	// Chat issues a prompt and returns the complete response text.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// ListModels returns the models this provider can currently serve.
	ListModels(ctx context.Context) ([]string, error)

	// Name returns the provider name used in requests ("openrouter",
	// "ollama").
	Name() string
}

// Collect drains a stream channel into the full response text. It returns
// the accumulated text even when the stream ends in an error, so partial
// output is never lost.
func Collect(ch <-chan StreamResponse) (string, error) {
	var b []byte
	for chunk := range ch {
		if chunk.Err != nil {
			return string(b), chunk.Err
		}
		b = append(b, chunk.Content...)
		if chunk.Done {
			break
		}
	}
	return string(b), nil
}
