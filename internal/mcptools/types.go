package mcptools

import "github.com/opencouncil/councild/internal/council"

// AskCouncilInput is the input schema for the ask_council tool.
type AskCouncilInput struct {
	Question       string `json:"question" jsonschema:"the question to put before the council"`
	ConversationID string `json:"conversationId,omitempty" jsonschema:"continue an existing conversation; omit to start a new one"`
	SkipStages     bool   `json:"skipStages,omitempty" jsonschema:"send the question straight to the chairman, skipping the parallel answer and ranking stages"`
}

// AskCouncilOutput is the output schema for the ask_council tool.
type AskCouncilOutput struct {
	ConversationID string `json:"conversationId"`
	Answer         string `json:"answer"`
	Model          string `json:"model"`
}

// ListConversationsOutput is the output schema for list_conversations.
type ListConversationsOutput struct {
	Conversations []council.ConversationSummary `json:"conversations"`
}

// GetConversationInput is the input schema for get_conversation.
type GetConversationInput struct {
	ConversationID string `json:"conversationId" jsonschema:"the conversation to fetch"`
}

// ConversationTurn is one question/answer pair in a fetched transcript.
// Summary entries appear as turns without a question.
type ConversationTurn struct {
	Question string `json:"question,omitempty"`
	Status   string `json:"status,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Model    string `json:"model,omitempty"`
	Summary  bool   `json:"summary,omitempty"`
}

// GetConversationOutput is the output schema for get_conversation.
type GetConversationOutput struct {
	ID    string             `json:"id"`
	Title string             `json:"title"`
	Turns []ConversationTurn `json:"turns"`
}
