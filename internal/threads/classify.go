// Package threads decides which conversation thread an inbound message
// belongs to and persists it accordingly.
package threads

import "github.com/nextlevelbuilder/beaver/internal/bus"

// Kind is the classification of an inbound message.
type Kind int

const (
	// Standalone has no thread context and does not address the bot.
	Standalone Kind = iota
	// NewThread addresses the bot outside any thread and opens one.
	NewThread
	// Continuation joins a thread whose starter is already known.
	Continuation
	// ContinuationBackfill joins a thread that has no starter yet.
	ContinuationBackfill
)

func (k Kind) String() string {
	switch k {
	case NewThread:
		return "new_thread"
	case Continuation:
		return "continuation"
	case ContinuationBackfill:
		return "continuation_backfill"
	default:
		return "standalone"
	}
}

// Trigger says how the bot was addressed.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerMention
	TriggerAsk
)

// Classify picks the Kind for msg. starterKnown tells whether a starter is
// already recorded for msg.ThreadID; it is ignored outside threads. A thread
// reference that points at the message itself counts as no thread.
func Classify(msg bus.InboundMessage, trigger Trigger, starterKnown bool) Kind {
	inThread := msg.ThreadID != "" && msg.ThreadID != msg.EventID
	switch {
	case inThread && starterKnown:
		return Continuation
	case inThread:
		return ContinuationBackfill
	case trigger != TriggerNone:
		return NewThread
	default:
		return Standalone
	}
}

// TriggerFor derives the trigger of a plain message.
func TriggerFor(msg bus.InboundMessage) Trigger {
	if msg.IsMentioned {
		return TriggerMention
	}
	return TriggerNone
}
