// Package engine ties the council pipeline to the transcript store: it
// owns turn execution, the background continuation cache, reconciliation
// of interrupted sessions, and the retry/edit coordinator.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/opencouncil/councild/internal/council"
)

// ErrTurnInProgress is returned when a turn is requested on a conversation
// that already has a live one.
var ErrTurnInProgress = errors.New("engine: turn already in progress")

// liveEntry is one conversation's in-flight turn state: the latest
// snapshot, its subscribers, and the cancel hook for the underlying model
// calls.
type liveEntry struct {
	snapshot council.Conversation
	cancel   context.CancelFunc
	nextID   int
	subs     map[int]chan council.Conversation
	taps     map[int]chan council.Event
}

// LiveCache keeps a turn's evolving state available even when its
// conversation is not the one currently displayed. Entries live from turn
// start until the stream's terminal event; after End the transcript store
// snapshot is authoritative again. At most one live entry per conversation
// is permitted.
//
// The entry's snapshot is mutated only by the turn's owning task; Peek and
// the subscription channels are the read-only views.
type LiveCache struct {
	mu      sync.Mutex
	entries map[string]*liveEntry
}

// NewLiveCache returns an empty cache.
func NewLiveCache() *LiveCache {
	return &LiveCache{entries: make(map[string]*liveEntry)}
}

// Begin creates the live entry for a conversation. It fails with
// ErrTurnInProgress when an entry already exists. cancel is invoked by
// Abort to terminate the turn's upstream calls.
func (c *LiveCache) Begin(id string, snapshot council.Conversation, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return ErrTurnInProgress
	}
	c.entries[id] = &liveEntry{
		snapshot: snapshot,
		cancel:   cancel,
		subs:     make(map[int]chan council.Conversation),
		taps:     make(map[int]chan council.Event),
	}
	return nil
}

// Peek returns the latest snapshot without side effects, and whether a
// live entry exists.
func (c *LiveCache) Peek(id string) (council.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return council.Conversation{}, false
	}
	return e.snapshot.Clone(), true
}

// Publish replaces the live snapshot and fans it out to subscribers.
// Subscribers that cannot keep up are coalesced to the latest snapshot:
// the stale buffered value is dropped in favor of the new one.
func (c *LiveCache) Publish(id string, snapshot council.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.snapshot = snapshot
	for _, ch := range e.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// Emit forwards one raw progress event to the entry's event taps. A tap
// whose buffer is full loses the event; the stage completion payloads
// replace accumulated state wholesale, so a lossy tap still converges.
func (c *LiveCache) Emit(id string, ev council.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return
	}
	for _, ch := range e.taps {
		select {
		case ch <- ev:
		default:
			log.Printf("engine: %s: dropping event %s for slow consumer", id, ev.Type)
		}
	}
}

// End deletes the live entry, closing all subscriber channels. The caller
// has already flushed the final state to the transcript store.
func (c *LiveCache) End(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(id)
}

// Abort cancels the turn's upstream calls and deletes the entry without
// any flush. Used when the conversation is deleted mid-stream.
func (c *LiveCache) Abort(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	c.remove(id)
	return true
}

// remove must be called with the lock held.
func (c *LiveCache) remove(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	for _, ch := range e.subs {
		close(ch)
	}
	for _, ch := range e.taps {
		close(ch)
	}
	delete(c.entries, id)
}

// Subscribe attaches a snapshot subscriber to the live entry. It returns
// false when no entry exists. The channel closes when the entry ends; the
// returned cancel detaches early.
func (c *LiveCache) Subscribe(id string) (<-chan council.Conversation, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, nil, false
	}
	subID := e.nextID
	e.nextID++
	ch := make(chan council.Conversation, 16)
	e.subs[subID] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e, ok := c.entries[id]; ok {
			if ch, ok := e.subs[subID]; ok {
				delete(e.subs, subID)
				close(ch)
			}
		}
	}
	return ch, cancel, true
}

// Tap attaches a raw event subscriber to the live entry.
func (c *LiveCache) Tap(id string) (<-chan council.Event, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, nil, false
	}
	tapID := e.nextID
	e.nextID++
	ch := make(chan council.Event, 256)
	e.taps[tapID] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e, ok := c.entries[id]; ok {
			if ch, ok := e.taps[tapID]; ok {
				delete(e.taps, tapID)
				close(ch)
			}
		}
	}
	return ch, cancel, true
}
