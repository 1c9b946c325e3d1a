package council

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
)

// EventType discriminates the progress notifications emitted while a turn
// runs. The set is namespaced by stage; unknown types are ignored by
// consumers for forward compatibility.
type EventType string

const (
	EventStage1Start      EventType = "stage1_start"
	EventStage1ModelStart EventType = "stage1_model_start"
	EventStage1Chunk      EventType = "stage1_chunk"
	EventStage1Complete   EventType = "stage1_complete"

	EventStage2Start      EventType = "stage2_start"
	EventStage2Metadata   EventType = "stage2_metadata"
	EventStage2ModelStart EventType = "stage2_model_start"
	EventStage2Chunk      EventType = "stage2_chunk"
	EventStage2Complete   EventType = "stage2_complete"

	EventStage3Start    EventType = "stage3_start"
	EventStage3Chunk    EventType = "stage3_chunk"
	EventStage3Complete EventType = "stage3_complete"

	EventTitleComplete EventType = "title_complete"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Event is a single typed progress notification.
//
// Model and Content are set on per-model start/chunk events. Data carries a
// stage completion's authoritative payload (its shape depends on the stage).
// Metadata carries the stage-2 anonymization map and aggregate rankings.
// Message carries the human-readable text of an error event.
type Event struct {
	Type     EventType       `json:"type"`
	Model    string          `json:"model,omitempty"`
	Content  string          `json:"content,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Stage2Metadata is the payload of stage2_metadata and the metadata of
// stage2_complete.
type Stage2Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model,omitempty"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings,omitempty"`
}

// TitlePayload is the data of a title_complete event.
type TitlePayload struct {
	Title string `json:"title"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// DecodeEvents parses a byte stream of newline-delimited, blank-line-
// separated records into typed events. Records carry a "data:"-prefixed
// JSON payload; a payload split across read boundaries is buffered until
// its record is complete. A malformed record is logged and skipped rather
// than failing the stream. The returned channel closes when the underlying
// transport closes or ctx is cancelled.
func DecodeEvents(ctx context.Context, body io.Reader) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var dataBuf strings.Builder

		flush := func() bool {
			if dataBuf.Len() == 0 {
				return true
			}
			raw := dataBuf.String()
			dataBuf.Reset()

			var ev Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				log.Printf("decode: skipping malformed record: %v", err)
				return true
			}
			if ev.Type == "" {
				log.Printf("decode: skipping record without type")
				return true
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !scanner.Scan() {
				// Emit any record still buffered when the stream ends.
				flush()
				return
			}

			line := scanner.Text()
			switch {
			case line == "":
				// Blank line ends the record.
				if !flush() {
					return
				}
			case strings.HasPrefix(line, ":"):
				// Comment line.
			case strings.HasPrefix(line, "data:"):
				payload := strings.TrimPrefix(line, "data:")
				payload = strings.TrimPrefix(payload, " ")
				if dataBuf.Len() > 0 {
					dataBuf.WriteByte('\n')
				}
				dataBuf.WriteString(payload)
			default:
				// Unknown field, ignored.
			}
		}
	}()
	return ch
}
