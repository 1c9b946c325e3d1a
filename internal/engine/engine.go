package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opencouncil/councild/internal/council"
	"github.com/opencouncil/councild/internal/transcript"
)

// ErrNothingToRetry is returned by Retry when the conversation has no
// failed or pending user message to resubmit.
var ErrNothingToRetry = errors.New("engine: no failed message to retry")

// Service runs council pipelines against a named provider. The production
// implementation is council.Service; tests substitute a fake.
type Service interface {
	// RunTurn executes the full stage pipeline, calling emit for every
	// progress event. It does not emit terminal complete or error events.
	RunTurn(ctx context.Context, provider string, req council.Request, emit func(council.Event)) error
	// GenerateTitle derives a short conversation title from the first
	// query. It is best effort and never fails.
	GenerateTitle(ctx context.Context, provider, query string) string
	// SummarizeHistory condenses finished turns into a summary turn.
	SummarizeHistory(ctx context.Context, provider string, finals []string) (council.Turn, error)
}

// SendOptions select the backend and pipeline shape for one turn.
type SendOptions struct {
	// Provider names the model backend; empty means the configured default.
	Provider string
	// SkipStages routes the query straight to the chairman, bypassing the
	// parallel answer and ranking stages.
	SkipStages bool
}

// TurnHandle is the caller's view of a running turn. Events delivers the
// raw progress stream including the terminal event, then closes.
type TurnHandle struct {
	ConversationID string
	Events         <-chan council.Event
	cancelTap      func()
}

// Close detaches the handle's event tap. The turn itself keeps running.
func (h *TurnHandle) Close() {
	if h.cancelTap != nil {
		h.cancelTap()
	}
}

// Engine coordinates turn execution: it serializes sends per conversation,
// drives runner events through the turn state machine into live cache
// snapshots, and flushes terminal state to the transcript store.
type Engine struct {
	store   transcript.Store
	cache   *LiveCache
	service Service

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// now is stubbed in tests.
	now func() time.Time
}

// New builds an Engine over the given store and council service.
func New(store transcript.Store, service Service) *Engine {
	return &Engine{
		store:   store,
		cache:   NewLiveCache(),
		service: service,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// convLock returns the per-conversation mutex, creating it on first use.
func (e *Engine) convLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Create starts an empty conversation.
func (e *Engine) Create(ctx context.Context) (council.Conversation, error) {
	return e.store.CreateConversation(ctx)
}

// List returns conversation summaries, newest first.
func (e *Engine) List(ctx context.Context) ([]council.ConversationSummary, error) {
	return e.store.List(ctx)
}

// Load returns a conversation for display. If a turn is live its cache
// snapshot wins; otherwise the stored transcript is reconciled first and
// any repair is persisted before returning.
func (e *Engine) Load(ctx context.Context, id string) (council.Conversation, error) {
	if snap, ok := e.cache.Peek(id); ok {
		return snap, nil
	}

	lock := e.convLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: a send may have begun in the window.
	if snap, ok := e.cache.Peek(id); ok {
		return snap, nil
	}
	conv, err := e.store.Get(ctx, id)
	if err != nil {
		return council.Conversation{}, err
	}
	repaired, changed := Reconcile(conv)
	if changed {
		if err := e.store.SaveTurns(ctx, id, repaired.Turns); err != nil {
			return council.Conversation{}, fmt.Errorf("engine: persist reconciliation: %w", err)
		}
	}
	return repaired, nil
}

// Delete removes a conversation, aborting any live turn without a flush.
func (e *Engine) Delete(ctx context.Context, id string) error {
	lock := e.convLock(id)
	lock.Lock()
	defer lock.Unlock()

	e.cache.Abort(id)
	return e.store.Delete(ctx, id)
}

// Subscribe delivers live conversation snapshots while a turn is running.
// When no turn is live it returns ok=false; callers fall back to Load.
func (e *Engine) Subscribe(id string) (<-chan council.Conversation, func(), bool) {
	return e.cache.Subscribe(id)
}

// Watch attaches a raw event tap to the conversation's live turn. When no
// turn is live it returns ok=false.
func (e *Engine) Watch(id string) (<-chan council.Event, func(), bool) {
	return e.cache.Tap(id)
}

// Live reports whether the conversation has a turn in flight.
func (e *Engine) Live(id string) bool {
	_, ok := e.cache.Peek(id)
	return ok
}

// Send submits a new user message and starts the council turn. It returns
// once the turn is registered; the stream continues in the background and
// survives the caller going away. A second Send while a turn is live fails
// with ErrTurnInProgress.
func (e *Engine) Send(ctx context.Context, convID, content, replyTo string, opts SendOptions) (*TurnHandle, error) {
	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := e.store.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if e.Live(convID) {
		return nil, ErrTurnInProgress
	}

	isFirst := !hasUserTurn(conv)
	machine := council.NewMachine(content, replyTo, e.now())
	pending := machine.Snapshot()
	if err := e.store.AppendTurn(ctx, convID, council.Turn{User: pending.User.Clone()}); err != nil {
		return nil, fmt.Errorf("engine: append user message: %w", err)
	}
	conv.Turns = append(conv.Turns, council.Turn{User: pending.User.Clone()})

	return e.launch(convID, conv, machine, isFirst, opts)
}

// Retry resubmits the most recent failed or pending user message. Stale
// earlier turns that also ended pending or failed are pruned first, and
// any partial assistant content from the failed attempt is discarded.
func (e *Engine) Retry(ctx context.Context, convID string, opts SendOptions) (*TurnHandle, error) {
	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := e.store.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if e.Live(convID) {
		return nil, ErrTurnInProgress
	}

	target := -1
	for i := len(conv.Turns) - 1; i >= 0; i-- {
		u := conv.Turns[i].User
		if u != nil && (u.Status == council.StatusFailed || u.Status == council.StatusPending) {
			target = i
			break
		}
	}
	if target < 0 {
		return nil, ErrNothingToRetry
	}

	// Keep everything before the target except other unfinished turns,
	// then re-run the target as the new tail.
	kept := make([]council.Turn, 0, target+1)
	for _, t := range conv.Turns[:target] {
		if t.User != nil && t.User.Status != council.StatusComplete {
			continue
		}
		kept = append(kept, t.Clone())
	}
	machine := council.Resume(conv.Turns[target])
	pending := machine.Snapshot()
	kept = append(kept, council.Turn{User: pending.User.Clone()})

	if err := e.store.SaveTurns(ctx, convID, kept); err != nil {
		return nil, fmt.Errorf("engine: prune for retry: %w", err)
	}
	conv.Turns = kept

	isFirst := len(kept) == 1
	return e.launch(convID, conv, machine, isFirst, opts)
}

// EditAndResubmit removes the turn at turnIndex and sends the edited
// content as a fresh message.
func (e *Engine) EditAndResubmit(ctx context.Context, convID string, turnIndex int, content string, opts SendOptions) (*TurnHandle, error) {
	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := e.store.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if e.Live(convID) {
		return nil, ErrTurnInProgress
	}
	if turnIndex < 0 || turnIndex >= len(conv.Turns) || conv.Turns[turnIndex].User == nil {
		return nil, fmt.Errorf("engine: no editable message at index %d", turnIndex)
	}

	kept := make([]council.Turn, 0, len(conv.Turns))
	for i, t := range conv.Turns {
		if i == turnIndex {
			continue
		}
		kept = append(kept, t.Clone())
	}

	isFirst := !hasUserTurnIn(kept)
	machine := council.NewMachine(content, "", e.now())
	pending := machine.Snapshot()
	kept = append(kept, council.Turn{User: pending.User.Clone()})

	if err := e.store.SaveTurns(ctx, convID, kept); err != nil {
		return nil, fmt.Errorf("engine: rewrite for edit: %w", err)
	}
	conv.Turns = kept

	return e.launch(convID, conv, machine, isFirst, opts)
}

// launch registers the live entry and starts the background turn task.
// Callers hold the conversation lock; conv's tail is the pending turn.
func (e *Engine) launch(convID string, conv council.Conversation, machine *council.Machine, isFirst bool, opts SendOptions) (*TurnHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())

	snapshot := conv.Clone()
	snapshot.Turns[len(snapshot.Turns)-1] = machine.Snapshot()
	if err := e.cache.Begin(convID, snapshot, cancel); err != nil {
		cancel()
		return nil, err
	}

	events, cancelTap, _ := e.cache.Tap(convID)
	go e.runTurn(ctx, convID, conv, machine, isFirst, opts)

	return &TurnHandle{ConversationID: convID, Events: events, cancelTap: cancelTap}, nil
}

// runTurn is the turn's owning task. It is the only goroutine that mutates
// the machine and publishes snapshots for this conversation.
func (e *Engine) runTurn(ctx context.Context, convID string, conv council.Conversation, machine *council.Machine, isFirst bool, opts SendOptions) {
	pending := machine.Snapshot()
	query := pending.User.Content

	priorContext, conv := e.buildContext(ctx, convID, conv, opts.Provider)

	var titleCh chan string
	if isFirst {
		titleCh = make(chan string, 1)
		go func() {
			titleCh <- e.service.GenerateTitle(ctx, opts.Provider, query)
		}()
	}

	req := council.Request{
		Query:        query,
		ReplyTo:      pending.User.ReplyTo,
		PriorContext: priorContext,
		SkipStages:   opts.SkipStages,
	}

	events := make(chan council.Event, 64)
	runErr := make(chan error, 1)
	go func() {
		runErr <- e.service.RunTurn(ctx, opts.Provider, req, func(ev council.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		close(events)
	}()

	for ev := range events {
		machine.Apply(ev)
		e.publish(convID, conv, machine)
		e.cache.Emit(convID, ev)
	}
	err := <-runErr

	if ctx.Err() != nil {
		// Conversation deleted mid-stream; the cache entry is already gone
		// and nothing gets flushed.
		return
	}
	if err != nil {
		e.failTurn(convID, conv, machine, err)
		return
	}

	if titleCh != nil {
		title := <-titleCh
		if err := e.store.SetTitle(context.Background(), convID, title); err != nil {
			log.Printf("engine: %s: persist title: %v", convID, err)
		} else {
			conv.Title = title
			ev := council.Event{Type: council.EventTitleComplete, Data: council.MustJSON(council.TitlePayload{Title: title})}
			e.publish(convID, conv, machine)
			e.cache.Emit(convID, ev)
		}
	}

	done := council.Event{Type: council.EventComplete}
	machine.Apply(done)
	e.publish(convID, conv, machine)
	e.cache.Emit(convID, done)
	e.finishTurn(convID, conv, machine)
}

// buildContext assembles the prior-turn context for the new query. When
// the finished history exceeds the immediate window, the older portion is
// condensed into a summary turn that is persisted before the pending turn.
func (e *Engine) buildContext(ctx context.Context, convID string, conv council.Conversation, provider string) (string, council.Conversation) {
	history := conv.Turns[:len(conv.Turns)-1]
	finals := council.PriorFinals(council.Conversation{Turns: history})
	if len(finals) <= council.ImmediateContextKeep {
		return strings.Join(finals, "\n\n"), conv
	}

	older := finals[:len(finals)-council.ImmediateContextKeep]
	recent := finals[len(finals)-council.ImmediateContextKeep:]

	summaryTurn, err := e.service.SummarizeHistory(ctx, provider, older)
	if err != nil {
		log.Printf("engine: %s: summarize history: %v, using full context", convID, err)
		return strings.Join(finals, "\n\n"), conv
	}

	lock := e.convLock(convID)
	lock.Lock()
	updated := conv.Clone()
	tail := updated.Turns[len(updated.Turns)-1]
	updated.Turns = append(updated.Turns[:len(updated.Turns)-1], summaryTurn, tail)
	if err := e.store.SaveTurns(ctx, convID, updated.Turns); err != nil {
		lock.Unlock()
		log.Printf("engine: %s: persist summary turn: %v", convID, err)
		return strings.Join(finals, "\n\n"), conv
	}
	lock.Unlock()

	parts := append([]string{summaryTurn.Assistant.Stage3.Response}, recent...)
	return strings.Join(parts, "\n\n"), updated
}

// publish pushes the current machine state into the live cache snapshot.
func (e *Engine) publish(convID string, conv council.Conversation, machine *council.Machine) {
	snapshot := conv.Clone()
	snapshot.Turns[len(snapshot.Turns)-1] = machine.Snapshot()
	e.cache.Publish(convID, snapshot)
}

// finishTurn flushes the completed turn to the store and retires the live
// entry.
func (e *Engine) finishTurn(convID string, conv council.Conversation, machine *council.Machine) {
	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	conv.Turns[len(conv.Turns)-1] = machine.Snapshot()
	if err := e.store.SaveTurns(context.Background(), convID, conv.Turns); err != nil {
		log.Printf("engine: %s: persist completed turn: %v", convID, err)
	}
	e.cache.End(convID)
}

// failTurn records the failure in the store (user message only; the
// partial assistant is not persisted) and delivers the error event to
// taps before retiring the entry.
func (e *Engine) failTurn(convID string, conv council.Conversation, machine *council.Machine, cause error) {
	log.Printf("engine: %s: turn failed: %v", convID, cause)

	ev := council.Event{Type: council.EventError, Message: cause.Error()}
	machine.Apply(ev)
	e.publish(convID, conv, machine)
	e.cache.Emit(convID, ev)

	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.store.SetTailUserStatus(context.Background(), convID, council.StatusFailed); err != nil {
		log.Printf("engine: %s: mark message failed: %v", convID, err)
	}
	e.cache.End(convID)
}

func hasUserTurn(conv council.Conversation) bool {
	return hasUserTurnIn(conv.Turns)
}

func hasUserTurnIn(turns []council.Turn) bool {
	for _, t := range turns {
		if t.User != nil {
			return true
		}
	}
	return false
}
