package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/councild/internal/council"
)

func reconcileConv(turns ...council.Turn) council.Conversation {
	return council.Conversation{ID: "conv-1", Title: "t", Turns: turns}
}

func pendingUser(content string) *council.UserMessage {
	return &council.UserMessage{Content: content, Status: council.StatusPending, CreatedAt: time.Now()}
}

func TestReconcile_FinishedTurnMarkedComplete(t *testing.T) {
	conv := reconcileConv(council.Turn{
		User:      pendingUser("q"),
		Assistant: finishedAssistant("a"),
	})

	got, changed := Reconcile(conv)
	assert.True(t, changed)
	assert.Equal(t, council.StatusComplete, got.Turns[0].User.Status)
}

func TestReconcile_PendingUserWithoutAssistantMarkedFailed(t *testing.T) {
	conv := reconcileConv(council.Turn{User: pendingUser("q")})

	got, changed := Reconcile(conv)
	assert.True(t, changed)
	assert.Equal(t, council.StatusFailed, got.Turns[0].User.Status)
}

func TestReconcile_PartialAssistantDiscarded(t *testing.T) {
	partial := &council.AssistantMessage{
		Stage1: []council.StageResponse{{Model: "model-a", Response: "partial"}},
		Stage2: []council.StageRanking{},
		Stage3: &council.Stage3Result{Model: "chairman", Response: "half a syn", Streaming: true},
	}
	conv := reconcileConv(council.Turn{User: pendingUser("q"), Assistant: partial})

	got, changed := Reconcile(conv)
	assert.True(t, changed)
	assert.Nil(t, got.Turns[0].Assistant)
	assert.Equal(t, council.StatusFailed, got.Turns[0].User.Status)
}

func TestReconcile_Idempotent(t *testing.T) {
	cases := []council.Conversation{
		reconcileConv(council.Turn{User: pendingUser("q"), Assistant: finishedAssistant("a")}),
		reconcileConv(council.Turn{User: pendingUser("q")}),
		reconcileConv(council.Turn{
			User:      pendingUser("q"),
			Assistant: &council.AssistantMessage{Stage3: &council.Stage3Result{Streaming: true}},
		}),
	}

	for _, conv := range cases {
		once, changed := Reconcile(conv)
		require.True(t, changed)
		twice, changedAgain := Reconcile(once)
		assert.False(t, changedAgain)
		assert.Equal(t, once, twice)
	}
}

func TestReconcile_HealthyTranscriptUntouched(t *testing.T) {
	user := pendingUser("q")
	user.Status = council.StatusComplete
	conv := reconcileConv(council.Turn{User: user, Assistant: finishedAssistant("a")})

	got, changed := Reconcile(conv)
	assert.False(t, changed)
	assert.Equal(t, conv, got)
}

func TestReconcile_EmptyConversation(t *testing.T) {
	_, changed := Reconcile(reconcileConv())
	assert.False(t, changed)
}

func TestReconcile_OnlyLastTurnInspected(t *testing.T) {
	// An earlier failed turn is retry's business, not reconciliation's.
	conv := reconcileConv(
		council.Turn{User: &council.UserMessage{Content: "old", Status: council.StatusFailed}},
		council.Turn{
			User:      &council.UserMessage{Content: "new", Status: council.StatusComplete},
			Assistant: finishedAssistant("a"),
		},
	)

	got, changed := Reconcile(conv)
	assert.False(t, changed)
	assert.Equal(t, council.StatusFailed, got.Turns[0].User.Status)
}

func TestReconcile_SummaryTailLeftAlone(t *testing.T) {
	summary := council.Turn{
		Assistant: &council.AssistantMessage{
			Stage3: &council.Stage3Result{
				Model:    "chairman",
				Response: "condensed",
				Summary:  &council.SummaryMetadata{SummarizedCount: 2, ChairmanModel: "chairman"},
			},
		},
	}
	conv := reconcileConv(
		council.Turn{
			User:      &council.UserMessage{Content: "q", Status: council.StatusComplete},
			Assistant: finishedAssistant("a"),
		},
		summary,
	)

	_, changed := Reconcile(conv)
	assert.False(t, changed)
}
