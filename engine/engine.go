// Package engine abstracts the durable execution backend that runs
// conversation workers. The relay starts, inspects and cancels executions
// through this interface; the concrete adapter lives in engine/temporal.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunState describes an execution as seen by the backend.
type RunState int

const (
	// StateUnknown means the backend has no execution for the conversation.
	StateUnknown RunState = iota
	// StateRunning means the execution is actively producing.
	StateRunning
	// StateClosed means the execution finished, failed, or was canceled.
	StateClosed
)

// ErrNotRunning reports that an execution never reached the running state
// within the wait budget.
var ErrNotRunning = errors.New("execution did not reach running state")

type (
	// StartInput carries everything a worker execution needs.
	StartInput struct {
		// ConversationID identifies the conversation being processed.
		ConversationID uuid.UUID
		// TraceID correlates the execution with the originating request.
		TraceID uuid.UUID
		// Message is the new user message, verbatim.
		Message string
		// ContextualTools describes client-side tools available for this
		// turn, keyed by tool name. Opaque to the relay.
		ContextualTools map[string]json.RawMessage
		// UIContext carries client UI state for the producer. Opaque to the
		// relay.
		UIContext json.RawMessage
	}

	// Engine starts and controls worker executions. Start must be safe to
	// call while an execution for the same conversation is active: it
	// attaches to the existing execution instead of spawning a second one.
	Engine interface {
		// Start launches (or attaches to) the execution for the conversation.
		Start(ctx context.Context, in StartInput) error
		// Describe reports the execution's current state.
		Describe(ctx context.Context, conversationID uuid.UUID) (RunState, error)
		// Cancel requests cancellation of the execution. Canceling an
		// execution that already closed is not an error.
		Cancel(ctx context.Context, conversationID uuid.UUID) error
	}
)

// String returns the state name for logs.
func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WaitRunning polls Describe until the execution is running, closed, or the
// budget elapses. A closed execution counts as reached: its output is already
// in the channel. Transient describe failures are retried until the deadline.
func WaitRunning(ctx context.Context, eng Engine, conversationID uuid.UUID, budget, poll time.Duration) error {
	if budget <= 0 {
		budget = 60 * time.Second
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.Now().Add(budget)
	for {
		state, err := eng.Describe(ctx, conversationID)
		if err == nil && (state == StateRunning || state == StateClosed) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotRunning
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
