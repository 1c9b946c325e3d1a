package council

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opencouncil/councild/internal/llm"
)

// Request describes one turn's work for the Runner.
type Request struct {
	// Query is the user's message content.
	Query string
	// ReplyTo is the advisory reply-reference text, if any.
	ReplyTo string
	// PriorContext is the conversation context folded into the prompts
	// (recent finals, possibly preceded by a summary).
	PriorContext string
	// SkipStages chats directly with the chairman, bypassing stages 1-2.
	SkipStages bool
}

// Runner executes the three council stages for one turn, emitting progress
// events in order through a caller-supplied sink. It holds no per-turn
// state and is safe to share across turns.
type Runner struct {
	provider llm.Provider
	council  []string
	chairman string
}

// NewRunner creates a Runner over the given provider, council members and
// chairman model.
func NewRunner(provider llm.Provider, council []string, chairman string) *Runner {
	return &Runner{provider: provider, council: council, chairman: chairman}
}

// Chairman returns the chairman model identifier.
func (r *Runner) Chairman() string { return r.chairman }

// Run executes the stages for one request. Calls to emit are serialized,
// so events arrive one at a time and in stage order. Individual model
// failures within a stage are logged and skipped; a stage fails only when
// no model produced anything. Run does not emit the terminal complete or
// error events; that is the caller's contract.
func (r *Runner) Run(ctx context.Context, req Request, emit func(Event)) error {
	combined := CombinedQuery(req.Query, req.ReplyTo, req.PriorContext)

	if req.SkipStages {
		return r.runChairman(ctx, combined, emit)
	}

	// Stage 1: independent first-pass answers. The reply-reference, when
	// present, is already folded into the combined query.
	stage1Query := req.Query
	stage1Context := req.PriorContext
	if req.ReplyTo != "" {
		stage1Query = combined
		stage1Context = ""
	}
	if stage1Context != "" {
		stage1Query = stage1Query + "\n\nFor context, here are previous responses:\n" + stage1Context
	}

	emit(Event{Type: EventStage1Start})
	stage1, err := r.fanOut(ctx, r.council, stage1Query, EventStage1ModelStart, EventStage1Chunk, emit)
	if err != nil {
		return err
	}
	if len(stage1) == 0 {
		return fmt.Errorf("council: all models failed to respond in stage 1")
	}
	results1 := make([]StageResponse, len(stage1))
	for i, m := range stage1 {
		results1[i] = StageResponse{Model: m.model, Response: m.text}
	}
	emit(Event{Type: EventStage1Complete, Data: MustJSON(results1)})

	// Stage 2: anonymized peer rankings. Labels are fixed and published
	// before any ranking content streams.
	emit(Event{Type: EventStage2Start})
	labels := AnonymizeResponses(results1)
	emit(Event{Type: EventStage2Metadata, Data: MustJSON(Stage2Metadata{LabelToModel: labels})})

	rankingPrompt := RankingPrompt(combined, results1)
	stage2, err := r.fanOut(ctx, r.council, rankingPrompt, EventStage2ModelStart, EventStage2Chunk, emit)
	if err != nil {
		return err
	}
	if len(stage2) == 0 {
		return fmt.Errorf("council: all models failed to respond in stage 2")
	}
	results2 := make([]StageRanking, len(stage2))
	for i, m := range stage2 {
		results2[i] = StageRanking{Model: m.model, Ranking: m.text}
	}
	aggregate := AggregateRankings(results2, labels)
	emit(Event{
		Type:     EventStage2Complete,
		Data:     MustJSON(results2),
		Metadata: MustJSON(Stage2Metadata{LabelToModel: labels, AggregateRankings: aggregate}),
	})

	// Stage 3: chairman synthesis.
	return r.runStage3(ctx, ChairmanPrompt(combined, results1, results2), emit)
}

// runChairman streams a direct chairman answer (stages 1-2 skipped).
func (r *Runner) runChairman(ctx context.Context, query string, emit func(Event)) error {
	return r.runStage3(ctx, query, emit)
}

func (r *Runner) runStage3(ctx context.Context, prompt string, emit func(Event)) error {
	emit(Event{Type: EventStage3Start})

	ch, err := r.provider.StreamChat(ctx, r.chairman, llm.UserMessage(prompt))
	if err != nil {
		return fmt.Errorf("council: chairman %s: %w", r.chairman, err)
	}

	var accumulated string
	for chunk := range ch {
		if chunk.Err != nil {
			return fmt.Errorf("council: chairman %s: %w", r.chairman, chunk.Err)
		}
		if chunk.Content != "" {
			accumulated += chunk.Content
			emit(Event{Type: EventStage3Chunk, Model: r.chairman, Content: chunk.Content})
		}
		if chunk.Done {
			break
		}
	}
	if accumulated == "" {
		return fmt.Errorf("council: chairman %s produced no response", r.chairman)
	}

	emit(Event{Type: EventStage3Complete, Data: MustJSON(Stage3Result{Model: r.chairman, Response: accumulated})})
	return nil
}

// modelText is one model's accumulated output within a stage, in
// first-arrival order.
type modelText struct {
	model string
	text  string
}

// fanOut streams one prompt to every model in parallel, forwarding
// per-model start and chunk events through emit, and returns the
// accumulated text per model. Models that fail are logged and skipped; the
// remaining models keep streaming (an individual failure never cancels the
// stage).
func (r *Runner) fanOut(ctx context.Context, models []string, prompt string, startType, chunkType EventType, emit func(Event)) ([]modelText, error) {
	var (
		mu      sync.Mutex
		results []modelText
	)

	find := func(model string) *modelText {
		for i := range results {
			if results[i].model == model {
				return &results[i]
			}
		}
		results = append(results, modelText{model: model})
		return &results[len(results)-1]
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, model := range models {
		g.Go(func() error {
			ch, err := r.provider.StreamChat(gctx, model, llm.UserMessage(prompt))
			if err != nil {
				log.Printf("council: %s: skipping failed model: %v", model, err)
				return nil
			}

			mu.Lock()
			find(model)
			emit(Event{Type: startType, Model: model})
			mu.Unlock()

			for chunk := range ch {
				if chunk.Err != nil {
					log.Printf("council: %s: stream failed, keeping partial output: %v", model, chunk.Err)
					return nil
				}
				if chunk.Content != "" {
					mu.Lock()
					find(model).text += chunk.Content
					emit(Event{Type: chunkType, Model: model, Content: chunk.Content})
					mu.Unlock()
				}
				if chunk.Done {
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Drop models that never produced any text.
	out := results[:0]
	for _, m := range results {
		if m.text != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

// MustJSON marshals a payload that cannot fail (plain structs and maps).
func MustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("council: marshal payload: %v", err))
	}
	return data
}
