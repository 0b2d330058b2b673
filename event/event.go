// Package event defines the typed events relayed from a worker execution to
// HTTP stream consumers, and the codec that maps them to the channel's wire
// format. Events form a closed union discriminated by Type: message and
// conversation events carry data, status events are terminal sentinels.
// Unknown discriminants decode to Unknown so newer producers never break
// older readers.
package event

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type discriminates event payload flavors on the wire.
type Type string

const (
	// TypeMessage carries one opaque assistant message payload.
	TypeMessage Type = "message"

	// TypeConversation signals a conversation-level state change (for example
	// a title being set). The payload is the conversation ID; consumers
	// refresh the record from the store.
	TypeConversation Type = "conversation"

	// TypeStatus is the terminal sentinel marking completion or failure.
	// At most one status event is ever appended per channel generation.
	TypeStatus Type = "status"

	// TypeUnknown tags events whose discriminant this build does not know.
	// They are droppable; readers skip them without failing the stream.
	TypeUnknown Type = "unknown"
)

// TerminalStatus enumerates the outcomes a status sentinel can report.
type TerminalStatus string

const (
	// StatusComplete marks a successful end of the worker's output.
	StatusComplete TerminalStatus = "complete"

	// StatusError marks a failed worker execution. The sentinel may carry
	// the producer's error text for diagnostics; it is never shown to users.
	StatusError TerminalStatus = "error"
)

type (
	// Event is the closed union of channel event payloads. Concrete types are
	// Message, Conversation, Status and Unknown.
	Event interface {
		// Type returns the wire discriminant for this event.
		Type() Type
	}

	// Message carries one opaque assistant message produced by the agent.
	// The payload is relayed verbatim; the relay never inspects it.
	Message struct {
		// Payload is the JSON-encoded assistant message.
		Payload json.RawMessage `json:"payload"`
	}

	// Conversation signals that the conversation record changed server-side.
	Conversation struct {
		// ID identifies the conversation whose record should be refreshed.
		ID uuid.UUID `json:"payload"`
	}

	// Status is the terminal sentinel. Once appended, no further events are
	// written to that generation of the channel.
	Status struct {
		// Status reports the terminal outcome.
		Status TerminalStatus `json:"status"`
		// Error optionally carries the producer's error text when Status is
		// StatusError. Nil on completion and for errors without detail.
		Error *string `json:"error,omitempty"`
	}

	// Unknown preserves events with unrecognized discriminants so readers can
	// skip them without aborting the stream.
	Unknown struct {
		// Tag is the unrecognized wire discriminant.
		Tag string
		// Raw is the undecoded payload.
		Raw json.RawMessage
	}
)

// Type implements Event.
func (Message) Type() Type { return TypeMessage }

// Type implements Event.
func (Conversation) Type() Type { return TypeConversation }

// Type implements Event.
func (Status) Type() Type { return TypeStatus }

// Type implements Event.
func (Unknown) Type() Type { return TypeUnknown }

// Terminal reports whether the event ends the channel's event sequence.
func Terminal(e Event) bool {
	_, ok := e.(Status)
	return ok
}
