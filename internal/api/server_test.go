package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/councild/internal/config"
	"github.com/opencouncil/councild/internal/council"
	"github.com/opencouncil/councild/internal/engine"
	"github.com/opencouncil/councild/internal/transcript"
)

// fakeCouncil scripts the pipeline so turns finish instantly. block, when
// non-nil, holds the turn open until closed.
type fakeCouncil struct {
	answer string
	block  chan struct{}
}

func (f *fakeCouncil) RunTurn(ctx context.Context, provider string, req council.Request, emit func(council.Event)) error {
	emit(council.Event{Type: council.EventStage1Start})
	emit(council.Event{Type: council.EventStage1ModelStart, Model: "model-a"})
	emit(council.Event{Type: council.EventStage1Chunk, Model: "model-a", Content: f.answer})
	emit(council.Event{Type: council.EventStage1Complete, Data: council.MustJSON([]council.StageResponse{
		{Model: "model-a", Response: f.answer},
	})})
	emit(council.Event{Type: council.EventStage2Start})
	emit(council.Event{Type: council.EventStage2Complete,
		Data: council.MustJSON([]council.StageRanking{
			{Model: "model-a", Ranking: "FINAL RANKING:\n1. Response A"},
		}),
	})
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	emit(council.Event{Type: council.EventStage3Start})
	emit(council.Event{Type: council.EventStage3Chunk, Model: "chairman", Content: f.answer})
	emit(council.Event{Type: council.EventStage3Complete, Data: council.MustJSON(council.Stage3Result{
		Model: "chairman", Response: f.answer,
	})})
	return nil
}

func (f *fakeCouncil) GenerateTitle(ctx context.Context, provider, query string) string {
	return "Test Title"
}

func (f *fakeCouncil) SummarizeHistory(ctx context.Context, provider string, finals []string) (council.Turn, error) {
	return council.Turn{}, fmt.Errorf("not scripted")
}

func (f *fakeCouncil) AvailableModels(ctx context.Context, provider string) ([]string, error) {
	return []string{"model-a", "model-b"}, nil
}

func newTestServer(t *testing.T, fc *fakeCouncil) *httptest.Server {
	t.Helper()

	settings, err := config.OpenSettings(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	eng := engine.New(transcript.NewMemoryStore(), fc)
	srv := NewServer(eng, fc, settings)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func createConversation(t *testing.T, ts *httptest.Server) council.Conversation {
	t.Helper()

	resp, err := http.Post(ts.URL+"/api/conversations", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var conv council.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	return conv
}

func postStream(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func drainSSE(t *testing.T, resp *http.Response) []council.Event {
	t.Helper()
	defer resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []council.Event
	for ev := range council.DecodeEvents(ctx, resp.Body) {
		events = append(events, ev)
	}
	return events
}

func TestServer_ConversationCRUD(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "a"})

	conv := createConversation(t, ts)
	assert.Equal(t, council.DefaultTitle, conv.Title)

	resp, err := http.Get(ts.URL + "/api/conversations")
	require.NoError(t, err)
	var summaries []council.ConversationSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	resp.Body.Close()
	require.Len(t, summaries, 1)
	assert.Equal(t, conv.ID, summaries[0].ID)

	resp, err = http.Get(ts.URL + "/api/conversations/" + conv.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/conversations/"+conv.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/conversations/" + conv.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_SendStreamsFullTurn(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "the answer"})
	conv := createConversation(t, ts)

	resp := postStream(t, ts, "/api/conversations/"+conv.ID+"/messages/stream",
		map[string]string{"content": "question?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := drainSSE(t, resp)
	require.NotEmpty(t, events)
	assert.Equal(t, council.EventStage1Start, events[0].Type)
	assert.Equal(t, council.EventComplete, events[len(events)-1].Type)

	var sawTitle bool
	for _, ev := range events {
		if ev.Type == council.EventTitleComplete {
			sawTitle = true
		}
	}
	assert.True(t, sawTitle, "first turn should deliver a title event")

	// The finished turn is durable.
	getResp, err := http.Get(ts.URL + "/api/conversations/" + conv.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	var got council.Conversation
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	assert.Equal(t, "Test Title", got.Title)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, council.StatusComplete, got.Turns[0].User.Status)
	assert.Equal(t, "the answer", got.Turns[0].Assistant.Stage3.Response)
}

func TestServer_SendValidation(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "a"})
	conv := createConversation(t, ts)

	resp := postStream(t, ts, "/api/conversations/"+conv.ID+"/messages/stream",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postStream(t, ts, "/api/conversations/missing/messages/stream",
		map[string]string{"content": "q"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_ConcurrentSendConflicts(t *testing.T) {
	fc := &fakeCouncil{answer: "slow", block: make(chan struct{})}
	ts := newTestServer(t, fc)
	conv := createConversation(t, ts)

	first := postStream(t, ts, "/api/conversations/"+conv.ID+"/messages/stream",
		map[string]string{"content": "first"})
	require.Equal(t, http.StatusOK, first.StatusCode)

	// Wait until the turn is registered before racing it.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/conversations/" + conv.ID + "/events")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	second := postStream(t, ts, "/api/conversations/"+conv.ID+"/messages/stream",
		map[string]string{"content": "second"})
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	second.Body.Close()

	close(fc.block)
	events := drainSSE(t, first)
	assert.Equal(t, council.EventComplete, events[len(events)-1].Type)
}

func TestServer_EventsEndpointWithoutLiveTurn(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "a"})
	conv := createConversation(t, ts)

	resp, err := http.Get(ts.URL + "/api/conversations/" + conv.ID + "/events")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_RetryWithoutFailure(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "a"})
	conv := createConversation(t, ts)

	resp := postStream(t, ts, "/api/conversations/"+conv.ID+"/retry/stream", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_EditValidation(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "a"})
	conv := createConversation(t, ts)

	resp := postStream(t, ts, "/api/conversations/"+conv.ID+"/edit/stream",
		map[string]any{"content": "edited"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_ModelsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "a"})

	resp, err := http.Get(ts.URL + "/api/models?provider=openrouter")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"model-a", "model-b"}, out["models"])
}

func TestClient_SendAndReadBack(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "client answer"})
	client := NewClient(ts.URL, WithHTTPClient(ts.Client()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conv, err := client.CreateConversation(ctx)
	require.NoError(t, err)

	events, err := client.SendMessage(ctx, conv.ID, SendRequest{Content: "hello"})
	require.NoError(t, err)

	var last council.Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, council.EventComplete, last.Type)

	got, err := client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "client answer", got.Turns[0].Assistant.Stage3.Response)

	summaries, err := client.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	require.NoError(t, client.DeleteConversation(ctx, conv.ID))
	_, err = client.GetConversation(ctx, conv.ID)
	assert.Error(t, err)

	_, err = client.Retry(ctx, conv.ID)
	assert.Error(t, err)
}

func TestServer_ConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t, &fakeCouncil{answer: "a"})

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	var settings config.Settings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	resp.Body.Close()
	assert.Equal(t, config.DefaultProvider, settings.Provider)

	update, err := json.Marshal(map[string]any{
		"provider":       "ollama",
		"chairman_model": "llama3",
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/config", bytes.NewReader(update))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	resp.Body.Close()

	assert.Equal(t, "ollama", settings.Provider)
	assert.Equal(t, "llama3", settings.ChairmanModel)
	// Untouched fields survive.
	assert.Equal(t, config.DefaultCouncilModels, settings.CouncilModels)
}
