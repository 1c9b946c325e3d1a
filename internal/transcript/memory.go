package transcript

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opencouncil/councild/internal/council"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a concurrency-safe in-memory Store. Conversations live in
// a map keyed by ID with a separate slice maintaining creation order. All
// reads return deep copies so callers can never mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*council.Conversation
	orderIDs []string // creation-order conversation IDs
}

// NewMemoryStore returns an initialized MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*council.Conversation)}
}

// CreateConversation implements Store.
func (s *MemoryStore) CreateConversation(ctx context.Context) (council.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := council.Conversation{
		ID:        council.NewConversationID(),
		Title:     council.DefaultTitle,
		CreatedAt: time.Now().UTC(),
		Turns:     []council.Turn{},
	}
	stored := conv.Clone()
	s.convs[conv.ID] = &stored
	s.orderIDs = append(s.orderIDs, conv.ID)
	return conv, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (council.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return council.Conversation{}, ErrNotFound
	}
	return c.Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]council.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]council.ConversationSummary, 0, len(s.orderIDs))
	for _, id := range s.orderIDs {
		c := s.convs[id]
		out = append(out, council.ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			CreatedAt:    c.CreatedAt,
			MessageCount: countMessages(c.Turns),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	delete(s.convs, id)
	for i, oid := range s.orderIDs {
		if oid == id {
			s.orderIDs = append(s.orderIDs[:i], s.orderIDs[i+1:]...)
			break
		}
	}
	return nil
}

// SetTitle implements Store.
func (s *MemoryStore) SetTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	return nil
}

// AppendTurn implements Store.
func (s *MemoryStore) AppendTurn(ctx context.Context, id string, t council.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	c.Turns = append(c.Turns, t.Clone())
	return nil
}

// SetTailUserStatus implements Store.
func (s *MemoryStore) SetTailUserStatus(ctx context.Context, id string, status council.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].User != nil {
			c.Turns[i].User.Status = status
			return nil
		}
	}
	return nil
}

// SaveTurns implements Store.
func (s *MemoryStore) SaveTurns(ctx context.Context, id string, turns []council.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	c.Turns = make([]council.Turn, len(turns))
	for i, t := range turns {
		c.Turns[i] = t.Clone()
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
