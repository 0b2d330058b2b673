package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// envelope wraps events for transmission through the channel. The timestamp
// is diagnostic only; entry ordering is always derived from log-assigned IDs.
type envelope struct {
	// Type identifies the event kind ("message", "conversation", "status").
	Type Type `json:"type"`
	// Timestamp records when the event was encoded, as unix milliseconds.
	Timestamp string `json:"timestamp"`
	// Payload contains the event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes an event into the channel's wire format. Unknown events
// cannot be encoded; they exist only on the decode side.
func Encode(e Event) ([]byte, error) {
	env := envelope{
		Type:      e.Type(),
		Timestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	var (
		payload any
		err     error
	)
	switch ev := e.(type) {
	case Message:
		payload = ev.Payload
	case Conversation:
		payload = ev.ID
	case Status:
		payload = ev
	default:
		return nil, fmt.Errorf("encode event: unsupported type %q", e.Type())
	}
	env.Payload, err = json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return json.Marshal(env)
}

// Decode deserializes a wire entry back into an event. Unknown discriminants
// decode to Unknown rather than failing so a stream read survives producers
// newer than this build. Malformed status payloads decode to a generic error
// sentinel: a broken terminal marker must still terminate the stream.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	switch env.Type {
	case TypeMessage:
		var payload json.RawMessage
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return Message{Payload: payload}, nil
	case TypeConversation:
		var ev Conversation
		if err := json.Unmarshal(env.Payload, &ev.ID); err != nil {
			return nil, fmt.Errorf("decode conversation payload: %w", err)
		}
		return ev, nil
	case TypeStatus:
		var ev Status
		if err := json.Unmarshal(env.Payload, &ev); err != nil || !validTerminal(ev.Status) {
			generic := "malformed status entry"
			return Status{Status: StatusError, Error: &generic}, nil
		}
		return ev, nil
	default:
		return Unknown{Tag: string(env.Type), Raw: env.Payload}, nil
	}
}

func validTerminal(s TerminalStatus) bool {
	return s == StatusComplete || s == StatusError
}
