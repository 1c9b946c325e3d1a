package council

import (
	"time"

	"github.com/google/uuid"
)

// NewConversationID generates a fresh conversation identifier.
func NewConversationID() string {
	return uuid.NewString()
}

// MessageStatus is the lifecycle status of a user message.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusComplete MessageStatus = "complete"
	StatusFailed   MessageStatus = "failed"
)

// UserMessage is the user half of a turn. Content is immutable once the
// turn is created; editing produces a replacement turn.
type UserMessage struct {
	Content string `json:"content"`
	Status  MessageStatus `json:"status"`
	// ReplyTo is the text of an earlier assistant response the user is
	// replying to. Advisory only: it is never re-validated against the
	// referenced response's continued existence.
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy of the user message.
func (u *UserMessage) Clone() *UserMessage {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// StageResponse is one council member's first-pass answer.
type StageResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// StageRanking is one council member's ranking of the anonymized answers.
type StageRanking struct {
	Model   string `json:"model"`
	Ranking string `json:"ranking"`
}

// AggregateRanking is a model's average position across all peer rankings.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// SummaryMetadata marks a compacted history entry produced by the
// summarization collaborator. The engine never re-expands these.
type SummaryMetadata struct {
	SummarizedCount int       `json:"summarized_count"`
	ChairmanModel   string    `json:"chairman_model"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Stage3Result is the chairman's synthesis. Streaming stays true until the
// stage-3 completion event sets the authoritative text.
type Stage3Result struct {
	Model     string           `json:"model"`
	Response  string           `json:"response"`
	Streaming bool             `json:"streaming,omitempty"`
	Summary   *SummaryMetadata `json:"summary,omitempty"`
}

// AssistantMessage carries the three stage results plus per-stage loading
// flags and the stage-2 anonymization/aggregate metadata. Fields are only
// appended to or replaced by a stage's completion payload, never cleared.
type AssistantMessage struct {
	Stage1 []StageResponse `json:"stage1"`
	Stage2 []StageRanking  `json:"stage2"`
	Stage3 *Stage3Result   `json:"stage3,omitempty"`

	LabelToModel      map[string]string  `json:"label_to_model,omitempty"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings,omitempty"`

	Stage1Loading bool `json:"stage1_loading,omitempty"`
	Stage2Loading bool `json:"stage2_loading,omitempty"`
	Stage3Loading bool `json:"stage3_loading,omitempty"`
}

// Stage3Final reports whether the assistant message holds a finished,
// non-empty chairman synthesis.
func (a *AssistantMessage) Stage3Final() bool {
	return a != nil && a.Stage3 != nil && !a.Stage3.Streaming && a.Stage3.Response != ""
}

// Turn is one user message plus, once issued, its assistant message.
// A summarization entry is a turn with a nil User.
type Turn struct {
	User      *UserMessage      `json:"user,omitempty"`
	Assistant *AssistantMessage `json:"assistant,omitempty"`
}

// IsSummary reports whether the turn is a compacted history entry.
func (t Turn) IsSummary() bool {
	return t.User == nil && t.Assistant != nil &&
		t.Assistant.Stage3 != nil && t.Assistant.Stage3.Summary != nil
}

// Clone returns a deep copy of the turn, safe to mutate without affecting
// the original.
func (t Turn) Clone() Turn {
	out := Turn{}
	if t.User != nil {
		u := *t.User
		out.User = &u
	}
	if t.Assistant != nil {
		out.Assistant = t.Assistant.Clone()
	}
	return out
}

// Clone returns a deep copy of the assistant message.
func (a *AssistantMessage) Clone() *AssistantMessage {
	if a == nil {
		return nil
	}
	dst := *a
	if a.Stage1 != nil {
		dst.Stage1 = make([]StageResponse, len(a.Stage1))
		copy(dst.Stage1, a.Stage1)
	}
	if a.Stage2 != nil {
		dst.Stage2 = make([]StageRanking, len(a.Stage2))
		copy(dst.Stage2, a.Stage2)
	}
	if a.Stage3 != nil {
		s3 := *a.Stage3
		if a.Stage3.Summary != nil {
			sm := *a.Stage3.Summary
			s3.Summary = &sm
		}
		dst.Stage3 = &s3
	}
	if a.LabelToModel != nil {
		dst.LabelToModel = make(map[string]string, len(a.LabelToModel))
		for k, v := range a.LabelToModel {
			dst.LabelToModel[k] = v
		}
	}
	if a.AggregateRankings != nil {
		dst.AggregateRankings = make([]AggregateRanking, len(a.AggregateRankings))
		copy(dst.AggregateRankings, a.AggregateRankings)
	}
	return &dst
}

// Conversation is an ordered, append-only sequence of turns.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Turns     []Turn    `json:"turns"`
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Turns != nil {
		out.Turns = make([]Turn, len(c.Turns))
		for i, t := range c.Turns {
			out.Turns[i] = t.Clone()
		}
	}
	return out
}

// ConversationSummary is list-view metadata; bodies are never loaded for it.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	// MessageCount counts complete user messages plus assistant messages
	// with a finished synthesis, excluding summarization entries.
	MessageCount int `json:"message_count"`
}

// DefaultTitle is the title a conversation carries until the title
// generation collaborator supplies one.
const DefaultTitle = "New Conversation"
