package council

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// TurnState is the lifecycle state of one turn's state machine.
type TurnState string

const (
	StateInitiated    TurnState = "initiated"
	StateStage1Active TurnState = "stage1-active"
	StateStage2Active TurnState = "stage2-active"
	StateStage3Active TurnState = "stage3-active"
	StateComplete     TurnState = "complete"
	StateError        TurnState = "error"
)

// IsTerminal returns true if the state is final.
func (s TurnState) IsTerminal() bool {
	return s == StateComplete || s == StateError
}

// Machine owns the lifecycle of one turn through the three council stages.
// It is created the instant a send/retry/edit request is accepted, before
// any event arrives, and applies events in arrival order. It is not safe
// for concurrent use; the owning task is the only writer.
type Machine struct {
	state      TurnState
	turn       Turn
	title      string // set by a title_updated notification, if any
	errMsg     string
	stage3Done bool
}

// NewMachine creates a machine in the initiated state for the given user
// content. replyTo is the advisory reply-reference text, if any.
func NewMachine(content, replyTo string, now time.Time) *Machine {
	return &Machine{
		state: StateInitiated,
		turn: Turn{
			User: &UserMessage{
				Content:   content,
				ReplyTo:   replyTo,
				Status:    StatusPending,
				CreatedAt: now,
			},
			Assistant: &AssistantMessage{Stage1: []StageResponse{}, Stage2: []StageRanking{}},
		},
	}
}

// Resume creates a machine wrapping an existing turn, used by retry to
// re-drive a turn whose user message already exists in the transcript.
func Resume(t Turn) *Machine {
	t = t.Clone()
	if t.User != nil {
		t.User.Status = StatusPending
	}
	t.Assistant = &AssistantMessage{Stage1: []StageResponse{}, Stage2: []StageRanking{}}
	return &Machine{state: StateInitiated, turn: t}
}

// State returns the current lifecycle state.
func (m *Machine) State() TurnState { return m.state }

// Err returns the error message carried by the terminal error event, if the
// machine is in the error state.
func (m *Machine) Err() string { return m.errMsg }

// Title returns the title delivered by a title-updated notification, or "".
func (m *Machine) Title() string { return m.title }

// Snapshot returns a deep copy of the turn as accumulated so far. The
// copy is safe to publish or mutate without affecting the machine.
func (m *Machine) Snapshot() Turn {
	return m.turn.Clone()
}

// Apply advances the machine with one event. Per-model start and chunk
// events may arrive in any order across models; a stage completion event
// replaces the accumulated per-model list wholesale and advances the
// machine. Out-of-order stage completions are ignored with a warning
// rather than corrupting state. A terminal `complete` before stage 3 has
// finished is a protocol violation and forces the error state.
func (m *Machine) Apply(ev Event) {
	if m.state.IsTerminal() {
		log.Printf("council: event %s after terminal state %s ignored", ev.Type, m.state)
		return
	}

	a := m.turn.Assistant

	switch ev.Type {
	case EventStage1Start:
		if m.state != StateInitiated {
			log.Printf("council: warning: %s in state %s ignored", ev.Type, m.state)
			return
		}
		m.state = StateStage1Active
		a.Stage1Loading = true

	case EventStage1ModelStart:
		m.stage1Entry(ev.Model)

	case EventStage1Chunk:
		e := m.stage1Entry(ev.Model)
		e.Response += ev.Content

	case EventStage1Complete:
		if m.state != StateStage1Active {
			log.Printf("council: warning: out-of-order %s in state %s ignored", ev.Type, m.state)
			return
		}
		var final []StageResponse
		if err := json.Unmarshal(ev.Data, &final); err != nil {
			m.fail(fmt.Sprintf("bad stage1 completion payload: %v", err))
			return
		}
		a.Stage1 = final
		a.Stage1Loading = false
		m.state = StateStage2Active

	case EventStage2Start:
		a.Stage2Loading = true

	case EventStage2Metadata:
		// The anonymization map is established before any stage-2 content
		// so mid-stream judgments never reveal identity.
		var md Stage2Metadata
		if err := json.Unmarshal(ev.Data, &md); err != nil {
			log.Printf("council: warning: bad stage2 metadata: %v", err)
			return
		}
		a.LabelToModel = md.LabelToModel

	case EventStage2ModelStart:
		m.stage2Entry(ev.Model)

	case EventStage2Chunk:
		e := m.stage2Entry(ev.Model)
		e.Ranking += ev.Content

	case EventStage2Complete:
		if m.state != StateStage2Active {
			log.Printf("council: warning: out-of-order %s in state %s ignored", ev.Type, m.state)
			return
		}
		var final []StageRanking
		if err := json.Unmarshal(ev.Data, &final); err != nil {
			m.fail(fmt.Sprintf("bad stage2 completion payload: %v", err))
			return
		}
		a.Stage2 = final
		a.Stage2Loading = false
		if len(ev.Metadata) > 0 {
			var md Stage2Metadata
			if err := json.Unmarshal(ev.Metadata, &md); err == nil {
				if md.LabelToModel != nil {
					a.LabelToModel = md.LabelToModel
				}
				a.AggregateRankings = md.AggregateRankings
			} else {
				log.Printf("council: warning: bad stage2 completion metadata: %v", err)
			}
		}
		m.state = StateStage3Active

	case EventStage3Start:
		// StateInitiated is a legal entry here: a direct-chairman turn
		// skips stages 1 and 2 entirely.
		if m.state == StateInitiated {
			m.state = StateStage3Active
		}
		a.Stage3Loading = true
		if a.Stage3 == nil {
			a.Stage3 = &Stage3Result{Streaming: true}
		}

	case EventStage3Chunk:
		if a.Stage3 == nil {
			a.Stage3 = &Stage3Result{Streaming: true}
		}
		if ev.Model != "" {
			a.Stage3.Model = ev.Model
		}
		a.Stage3.Response += ev.Content
		a.Stage3.Streaming = true

	case EventStage3Complete:
		if m.state != StateStage3Active {
			log.Printf("council: warning: out-of-order %s in state %s ignored", ev.Type, m.state)
			return
		}
		var final Stage3Result
		if err := json.Unmarshal(ev.Data, &final); err != nil {
			m.fail(fmt.Sprintf("bad stage3 completion payload: %v", err))
			return
		}
		final.Streaming = false
		a.Stage3 = &final
		a.Stage3Loading = false
		m.stage3Done = true

	case EventTitleComplete:
		var p TitlePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Printf("council: warning: bad title payload: %v", err)
			return
		}
		m.title = p.Title

	case EventComplete:
		if m.state != StateStage3Active || !m.stage3Done {
			// Protocol violation: terminal success without a finished
			// synthesis.
			m.fail(fmt.Sprintf("protocol violation: complete in state %s", m.state))
			return
		}
		m.state = StateComplete
		if m.turn.User != nil {
			m.turn.User.Status = StatusComplete
		}

	case EventError:
		m.fail(ev.Message)

	default:
		log.Printf("council: unknown event type %q ignored", ev.Type)
	}
}

// fail moves the machine to the error state. Partial content already
// accumulated is retained for inspection; the user message is marked
// failed.
func (m *Machine) fail(msg string) {
	m.state = StateError
	m.errMsg = msg
	if m.turn.User != nil {
		m.turn.User.Status = StatusFailed
	}
	a := m.turn.Assistant
	a.Stage1Loading = false
	a.Stage2Loading = false
	a.Stage3Loading = false
	if a.Stage3 != nil {
		a.Stage3.Streaming = false
	}
}

// stage1Entry finds or creates the per-model stage-1 accumulator.
func (m *Machine) stage1Entry(model string) *StageResponse {
	a := m.turn.Assistant
	for i := range a.Stage1 {
		if a.Stage1[i].Model == model {
			return &a.Stage1[i]
		}
	}
	a.Stage1 = append(a.Stage1, StageResponse{Model: model})
	return &a.Stage1[len(a.Stage1)-1]
}

// stage2Entry finds or creates the per-model stage-2 accumulator.
func (m *Machine) stage2Entry(model string) *StageRanking {
	a := m.turn.Assistant
	for i := range a.Stage2 {
		if a.Stage2[i].Model == model {
			return &a.Stage2[i]
		}
	}
	a.Stage2 = append(a.Stage2, StageRanking{Model: model})
	return &a.Stage2[len(a.Stage2)-1]
}
