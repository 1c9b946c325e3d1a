package council

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencouncil/councild/internal/llm"
)

// ImmediateContextKeep is how many recent final answers are folded
// directly into a turn's prior context.
const ImmediateContextKeep = 3

// SummaryRetention is how many final answers are retained before older
// ones are compacted into a summary entry.
const SummaryRetention = 3

// Summarizer is the history-summarization collaborator: given the older
// final answers of an overflow-length transcript it produces one compacted
// assistant entry. The engine treats that entry as an ordinary assistant
// message and never re-expands it.
type Summarizer struct {
	provider llm.Provider
	chairman string
}

// NewSummarizer creates a Summarizer using the chairman model.
func NewSummarizer(provider llm.Provider, chairman string) *Summarizer {
	return &Summarizer{provider: provider, chairman: chairman}
}

// Summarize compacts the given final answers into a summary turn.
func (s *Summarizer) Summarize(ctx context.Context, finals []string) (Turn, error) {
	text, err := s.provider.Chat(ctx, s.chairman, llm.UserMessage(SummaryPrompt(finals)))
	if err != nil {
		return Turn{}, fmt.Errorf("council: summarize history: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, fmt.Errorf("council: summarize history: empty summary")
	}

	return Turn{
		Assistant: &AssistantMessage{
			Stage1: []StageResponse{},
			Stage2: []StageRanking{},
			Stage3: &Stage3Result{
				Model:    s.chairman,
				Response: text,
				Summary: &SummaryMetadata{
					SummarizedCount: len(finals),
					ChairmanModel:   s.chairman,
					GeneratedAt:     time.Now().UTC(),
				},
			},
		},
	}, nil
}

// PriorFinals collects the finished synthesis texts of a conversation in
// transcript order, including summary entries.
func PriorFinals(conv Conversation) []string {
	var finals []string
	for _, t := range conv.Turns {
		if t.Assistant.Stage3Final() {
			finals = append(finals, t.Assistant.Stage3.Response)
		}
	}
	return finals
}
