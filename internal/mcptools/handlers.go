// Package mcptools exposes the council to MCP clients: agents can ask the
// council a question and browse past conversations.
package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opencouncil/councild/internal/council"
	"github.com/opencouncil/councild/internal/engine"
)

// CouncilService handles MCP tool calls against the council engine.
type CouncilService struct {
	engine *engine.Engine
}

// NewCouncilService creates a CouncilService over the given engine.
func NewCouncilService(eng *engine.Engine) *CouncilService {
	return &CouncilService{engine: eng}
}

// AskCouncil runs a full council turn and returns the chairman's final
// answer. The call blocks until the turn finishes; MCP callers get one
// answer, not a stream.
func (s *CouncilService) AskCouncil(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AskCouncilInput,
) (*mcp.CallToolResult, AskCouncilOutput, error) {
	if input.Question == "" {
		return nil, AskCouncilOutput{}, fmt.Errorf("question is required")
	}

	convID := input.ConversationID
	if convID == "" {
		conv, err := s.engine.Create(ctx)
		if err != nil {
			return nil, AskCouncilOutput{}, fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID
	}

	handle, err := s.engine.Send(ctx, convID, input.Question, "", engine.SendOptions{SkipStages: input.SkipStages})
	if err != nil {
		return nil, AskCouncilOutput{}, err
	}
	defer handle.Close()

	// Drain until the tap closes: that happens only after the finished
	// turn is flushed, so the Load below sees it.
	var terminal council.Event
	for {
		select {
		case ev, ok := <-handle.Events:
			if !ok {
				if terminal.Type == "" {
					return nil, AskCouncilOutput{}, fmt.Errorf("stream ended without a terminal event")
				}
				if terminal.Type == council.EventError {
					return nil, AskCouncilOutput{}, fmt.Errorf("council turn failed: %s", terminal.Message)
				}
				conv, err := s.engine.Load(ctx, convID)
				if err != nil {
					return nil, AskCouncilOutput{}, fmt.Errorf("load finished conversation: %w", err)
				}
				last := conv.Turns[len(conv.Turns)-1]
				return nil, AskCouncilOutput{
					ConversationID: convID,
					Answer:         last.Assistant.Stage3.Response,
					Model:          last.Assistant.Stage3.Model,
				}, nil
			}
			if ev.Terminal() {
				terminal = ev
			}

		case <-ctx.Done():
			// The turn keeps running in the background; the answer lands in
			// the transcript for a later get_conversation.
			return nil, AskCouncilOutput{}, ctx.Err()
		}
	}
}

// ListConversations returns summaries of every stored conversation.
func (s *CouncilService) ListConversations(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ struct{},
) (*mcp.CallToolResult, ListConversationsOutput, error) {
	summaries, err := s.engine.List(ctx)
	if err != nil {
		return nil, ListConversationsOutput{}, err
	}
	if summaries == nil {
		summaries = []council.ConversationSummary{}
	}
	return nil, ListConversationsOutput{Conversations: summaries}, nil
}

// GetConversation returns one conversation's transcript as plain
// question/answer turns.
func (s *CouncilService) GetConversation(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetConversationInput,
) (*mcp.CallToolResult, GetConversationOutput, error) {
	if input.ConversationID == "" {
		return nil, GetConversationOutput{}, fmt.Errorf("conversationId is required")
	}

	conv, err := s.engine.Load(ctx, input.ConversationID)
	if err != nil {
		return nil, GetConversationOutput{}, err
	}

	out := GetConversationOutput{ID: conv.ID, Title: conv.Title}
	for _, t := range conv.Turns {
		turn := ConversationTurn{Summary: t.IsSummary()}
		if t.User != nil {
			turn.Question = t.User.Content
			turn.Status = string(t.User.Status)
		}
		if t.Assistant.Stage3Final() {
			turn.Answer = t.Assistant.Stage3.Response
			turn.Model = t.Assistant.Stage3.Model
		}
		out.Turns = append(out.Turns, turn)
	}
	return nil, out, nil
}
