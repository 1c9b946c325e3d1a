package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/councild/internal/council"
	"github.com/opencouncil/councild/internal/engine"
	"github.com/opencouncil/councild/internal/transcript"
)

// scriptedService finishes every turn immediately with a fixed chairman
// answer, or fails when fail is set.
type scriptedService struct {
	answer string
	fail   bool
}

func (s *scriptedService) RunTurn(ctx context.Context, provider string, req council.Request, emit func(council.Event)) error {
	if s.fail {
		return fmt.Errorf("all models failed")
	}
	emit(council.Event{Type: council.EventStage1Start})
	emit(council.Event{Type: council.EventStage1Complete, Data: council.MustJSON([]council.StageResponse{
		{Model: "model-a", Response: s.answer},
	})})
	emit(council.Event{Type: council.EventStage2Start})
	emit(council.Event{Type: council.EventStage2Complete, Data: council.MustJSON([]council.StageRanking{
		{Model: "model-a", Ranking: "FINAL RANKING:\n1. Response A"},
	})})
	emit(council.Event{Type: council.EventStage3Start})
	emit(council.Event{Type: council.EventStage3Complete, Data: council.MustJSON(council.Stage3Result{
		Model: "chairman", Response: s.answer,
	})})
	return nil
}

func (s *scriptedService) GenerateTitle(ctx context.Context, provider, query string) string {
	return "Scripted Title"
}

func (s *scriptedService) SummarizeHistory(ctx context.Context, provider string, finals []string) (council.Turn, error) {
	return council.Turn{}, fmt.Errorf("not scripted")
}

func setupServerClient(t *testing.T, svc *scriptedService) (*mcp.ClientSession, *engine.Engine) {
	t.Helper()

	eng := engine.New(transcript.NewMemoryStore(), svc)
	server := NewCouncilMCPServer(NewCouncilService(eng))

	st, ct := mcp.NewInMemoryTransports()

	ctx := context.Background()

	_, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		session.Close()
	})

	return session, eng
}

func callTool[T any](t *testing.T, session *mcp.ClientSession, name string, args any) T {
	t.Helper()

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "%s should not return an error", name)
	require.NotNil(t, result.StructuredContent)

	raw, err := json.Marshal(result.StructuredContent)
	require.NoError(t, err)

	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestMCPListTools(t *testing.T) {
	session, _ := setupServerClient(t, &scriptedService{answer: "a"})

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, result.Tools, 3)

	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	sort.Strings(names)
	assert.Equal(t, []string{"ask_council", "get_conversation", "list_conversations"}, names)
}

func TestMCPAskCouncil(t *testing.T) {
	session, eng := setupServerClient(t, &scriptedService{answer: "42"})

	out := callTool[AskCouncilOutput](t, session, "ask_council", AskCouncilInput{
		Question: "what is the answer?",
	})

	assert.NotEmpty(t, out.ConversationID)
	assert.Equal(t, "42", out.Answer)
	assert.Equal(t, "chairman", out.Model)

	// The turn is stored under the returned conversation.
	conv, err := eng.Load(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "what is the answer?", conv.Turns[0].User.Content)
}

func TestMCPAskCouncil_ContinuesConversation(t *testing.T) {
	session, _ := setupServerClient(t, &scriptedService{answer: "more"})

	first := callTool[AskCouncilOutput](t, session, "ask_council", AskCouncilInput{
		Question: "first question",
	})
	second := callTool[AskCouncilOutput](t, session, "ask_council", AskCouncilInput{
		Question:       "follow up",
		ConversationID: first.ConversationID,
	})

	assert.Equal(t, first.ConversationID, second.ConversationID)

	out := callTool[GetConversationOutput](t, session, "get_conversation", GetConversationInput{
		ConversationID: first.ConversationID,
	})
	require.Len(t, out.Turns, 2)
	assert.Equal(t, "first question", out.Turns[0].Question)
	assert.Equal(t, "follow up", out.Turns[1].Question)
	assert.Equal(t, "more", out.Turns[1].Answer)
}

func TestMCPAskCouncil_RequiresQuestion(t *testing.T) {
	session, _ := setupServerClient(t, &scriptedService{answer: "a"})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ask_council",
		Arguments: AskCouncilInput{},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPAskCouncil_TurnFailure(t *testing.T) {
	session, _ := setupServerClient(t, &scriptedService{answer: "", fail: true})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ask_council",
		Arguments: AskCouncilInput{Question: "doomed"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPListConversations(t *testing.T) {
	session, _ := setupServerClient(t, &scriptedService{answer: "a"})

	out := callTool[ListConversationsOutput](t, session, "list_conversations", struct{}{})
	assert.Empty(t, out.Conversations)

	callTool[AskCouncilOutput](t, session, "ask_council", AskCouncilInput{Question: "q"})

	out = callTool[ListConversationsOutput](t, session, "list_conversations", struct{}{})
	require.Len(t, out.Conversations, 1)
	assert.Equal(t, "Scripted Title", out.Conversations[0].Title)
}

func TestMCPGetConversation_Missing(t *testing.T) {
	session, _ := setupServerClient(t, &scriptedService{answer: "a"})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "get_conversation",
		Arguments: GetConversationInput{ConversationID: "missing"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
