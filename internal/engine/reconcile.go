package engine

import (
	"log"

	"github.com/opencouncil/councild/internal/council"
)

// Reconcile repairs a transcript whose last turn was interrupted by a
// process restart or navigation. It inspects only the final turn and
// applies exactly one of three repairs:
//
//   - the assistant finished its synthesis but the user message was never
//     marked complete: mark it complete;
//   - the user message is still pending with no assistant at all: mark it
//     failed;
//   - an assistant exists but its synthesis never finished: discard the
//     partial assistant and mark the user message failed.
//
// The returned bool reports whether anything changed. Running Reconcile on
// its own output is a no-op.
func Reconcile(conv council.Conversation) (council.Conversation, bool) {
	if len(conv.Turns) == 0 {
		return conv, false
	}
	out := conv.Clone()
	last := &out.Turns[len(out.Turns)-1]

	switch {
	case last.Assistant != nil && last.Assistant.Stage3Final():
		if last.User != nil && last.User.Status != council.StatusComplete {
			log.Printf("engine: %s: finished turn with user status %q, marking complete", conv.ID, last.User.Status)
			last.User.Status = council.StatusComplete
			return out, true
		}
	case last.Assistant != nil:
		// Partial assistant from an interrupted stream. The live cache is
		// gone, so the content can never finish; drop it.
		log.Printf("engine: %s: discarding partial assistant from interrupted turn", conv.ID)
		last.Assistant = nil
		if last.User != nil {
			last.User.Status = council.StatusFailed
		}
		return out, true
	case last.User != nil && last.User.Status == council.StatusPending:
		log.Printf("engine: %s: pending user message with no assistant, marking failed", conv.ID)
		last.User.Status = council.StatusFailed
		return out, true
	}
	return conv, false
}
