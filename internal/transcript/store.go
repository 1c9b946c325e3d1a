// Package transcript owns the durable conversation record: an ordered,
// append-only sequence of turns per conversation. Only finalized state is
// ever written here; in-flight streaming state lives in the engine's
// background continuation cache until a turn reaches a terminal event.
package transcript

import (
	"context"
	"errors"

	"github.com/opencouncil/councild/internal/council"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("transcript: conversation not found")

// Store is the single source of truth for conversation transcripts. Turn
// order is insertion order and is never reordered. Implementations must be
// safe for concurrent use; callers coordinating a read-modify-write across
// multiple calls serialize per conversation at the engine level.
type Store interface {
	// CreateConversation creates an empty conversation with a fresh
	// identifier and the default title.
	CreateConversation(ctx context.Context) (council.Conversation, error)

	// Get returns the full conversation, turns in insertion order.
	Get(ctx context.Context, id string) (council.Conversation, error)

	// List returns summary metadata for every conversation, newest first,
	// without loading turn bodies.
	List(ctx context.Context) ([]council.ConversationSummary, error)

	// Delete removes a conversation and its turns.
	Delete(ctx context.Context, id string) error

	// SetTitle updates the display title.
	SetTitle(ctx context.Context, id, title string) error

	// AppendTurn appends one turn at the tail.
	AppendTurn(ctx context.Context, id string, t council.Turn) error

	// SetTailUserStatus updates the status of the most recent turn that
	// carries a user message. It is a no-op (without error) when no such
	// turn exists.
	SetTailUserStatus(ctx context.Context, id string, status council.MessageStatus) error

	// SaveTurns replaces the conversation's turn sequence wholesale. Used
	// by reconciliation and retry/edit, which restructure the tail.
	SaveTurns(ctx context.Context, id string, turns []council.Turn) error

	// Close releases store resources.
	Close() error
}

// countMessages computes the list-view message count: complete user
// messages plus assistant messages with a finished synthesis, excluding
// summarization entries.
func countMessages(turns []council.Turn) int {
	n := 0
	for _, t := range turns {
		if t.User != nil && t.User.Status == council.StatusComplete {
			n++
		}
		if t.Assistant.Stage3Final() && !t.IsSummary() {
			n++
		}
	}
	return n
}
