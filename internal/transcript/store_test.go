package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/councild/internal/council"
)

// The conformance suite runs against every Store implementation.
func storeImpls(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "conversations.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func finishedTurn(question, answer string) council.Turn {
	return council.Turn{
		User: &council.UserMessage{
			Content:   question,
			Status:    council.StatusComplete,
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		},
		Assistant: &council.AssistantMessage{
			Stage1: []council.StageResponse{{Model: "model-a", Response: answer}},
			Stage2: []council.StageRanking{{Model: "model-a", Ranking: "FINAL RANKING:\n1. Response A"}},
			Stage3: &council.Stage3Result{Model: "chairman", Response: answer},
			LabelToModel: map[string]string{
				"Response A": "model-a",
			},
		},
	}
}

func summaryTurn(text string) council.Turn {
	return council.Turn{
		Assistant: &council.AssistantMessage{
			Stage3: &council.Stage3Result{
				Model:    "chairman",
				Response: text,
				Summary: &council.SummaryMetadata{
					SummarizedCount: 2,
					ChairmanModel:   "chairman",
					GeneratedAt:     time.Now().UTC().Truncate(time.Second),
				},
			},
		},
	}
}

func TestStore_CreateGetRoundTrip(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, conv.ID)
			assert.Equal(t, council.DefaultTitle, conv.Title)

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, conv.ID, got.ID)
			assert.Empty(t, got.Turns)
		})
	}
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := open(t).Get(context.Background(), "no-such-id")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AppendTurnPreservesOrderAndContent(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)

			first := finishedTurn("first q", "first a")
			second := finishedTurn("second q", "second a")
			require.NoError(t, store.AppendTurn(ctx, conv.ID, first))
			require.NoError(t, store.AppendTurn(ctx, conv.ID, second))

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, got.Turns, 2)
			assert.Equal(t, "first q", got.Turns[0].User.Content)
			assert.Equal(t, "second a", got.Turns[1].Assistant.Stage3.Response)
			assert.Equal(t, "model-a", got.Turns[0].Assistant.LabelToModel["Response A"])
		})
	}
}

func TestStore_SetTailUserStatusSkipsSummaries(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)

			pending := council.Turn{User: &council.UserMessage{
				Content: "q", Status: council.StatusPending,
				CreatedAt: time.Now().UTC().Truncate(time.Second),
			}}
			require.NoError(t, store.AppendTurn(ctx, conv.ID, pending))
			require.NoError(t, store.AppendTurn(ctx, conv.ID, summaryTurn("older stuff")))

			require.NoError(t, store.SetTailUserStatus(ctx, conv.ID, council.StatusFailed))

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, council.StatusFailed, got.Turns[0].User.Status)
			assert.Nil(t, got.Turns[1].User)
		})
	}
}

func TestStore_SetTailUserStatusNoUserTurnsIsNoop(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)
			require.NoError(t, store.SetTailUserStatus(ctx, conv.ID, council.StatusFailed))
		})
	}
}

func TestStore_SaveTurnsReplacesWholesale(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)
			require.NoError(t, store.AppendTurn(ctx, conv.ID, finishedTurn("old 1", "a")))
			require.NoError(t, store.AppendTurn(ctx, conv.ID, finishedTurn("old 2", "b")))

			replacement := []council.Turn{finishedTurn("only survivor", "c")}
			require.NoError(t, store.SaveTurns(ctx, conv.ID, replacement))

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, got.Turns, 1)
			assert.Equal(t, "only survivor", got.Turns[0].User.Content)
		})
	}
}

func TestStore_DeleteRemovesConversation(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)
			require.NoError(t, store.AppendTurn(ctx, conv.ID, finishedTurn("q", "a")))

			require.NoError(t, store.Delete(ctx, conv.ID))
			_, err = store.Get(ctx, conv.ID)
			require.ErrorIs(t, err, ErrNotFound)

			require.ErrorIs(t, store.Delete(ctx, conv.ID), ErrNotFound)
		})
	}
}

func TestStore_SetTitle(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)
			require.NoError(t, store.SetTitle(ctx, conv.ID, "Renamed"))

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, "Renamed", got.Title)

			require.ErrorIs(t, store.SetTitle(ctx, "missing", "x"), ErrNotFound)
		})
	}
}

func TestStore_ListCountsAndOrder(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			older, err := store.CreateConversation(ctx)
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
			newer, err := store.CreateConversation(ctx)
			require.NoError(t, err)

			// Two finished exchanges, a summary entry, and a failed send:
			// count = 2 complete users + 2 finals = 4.
			require.NoError(t, store.AppendTurn(ctx, older.ID, finishedTurn("q1", "a1")))
			require.NoError(t, store.AppendTurn(ctx, older.ID, summaryTurn("summary")))
			require.NoError(t, store.AppendTurn(ctx, older.ID, finishedTurn("q2", "a2")))
			require.NoError(t, store.AppendTurn(ctx, older.ID, council.Turn{
				User: &council.UserMessage{Content: "failed", Status: council.StatusFailed,
					CreatedAt: time.Now().UTC().Truncate(time.Second)},
			}))

			summaries, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, summaries, 2)
			assert.Equal(t, newer.ID, summaries[0].ID)
			assert.Equal(t, 0, summaries[0].MessageCount)
			assert.Equal(t, older.ID, summaries[1].ID)
			assert.Equal(t, 4, summaries[1].MessageCount)
		})
	}
}

func TestStore_StoredTurnsAreIsolatedFromCaller(t *testing.T) {
	for name, open := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()

			conv, err := store.CreateConversation(ctx)
			require.NoError(t, err)

			turn := finishedTurn("q", "a")
			require.NoError(t, store.AppendTurn(ctx, conv.ID, turn))
			turn.User.Content = "mutated after append"

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, "q", got.Turns[0].User.Content)

			got.Turns[0].User.Content = "mutated after get"
			again, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, "q", again.Turns[0].User.Content)
		})
	}
}
