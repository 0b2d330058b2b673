// Package conversation defines the conversation record, its persistence
// contract and the lifecycle controller that guards worker executions. A
// conversation is a long-lived record whose status tracks whether an agent
// turn is currently producing output for it.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status tracks whether a worker execution is active for a conversation.
type Status string

const (
	// StatusIdle means no worker execution is active.
	StatusIdle Status = "idle"

	// StatusRunning means a worker execution is producing output.
	StatusRunning Status = "running"

	// StatusCanceling means a cancellation was requested and the worker has
	// not yet wound down.
	StatusCanceling Status = "canceling"
)

// ErrNotFound reports that no record exists for the requested conversation.
var ErrNotFound = errors.New("conversation not found")

type (
	// Conversation is the persistent record of one conversation.
	Conversation struct {
		// ID uniquely identifies the conversation. Clients mint it.
		ID uuid.UUID
		// Status is the current lifecycle state.
		Status Status
		// Title is the display title, set by the agent once it has enough
		// context to summarize the conversation. Empty until then.
		Title string
		// CreatedAt is when the record was first persisted, UTC.
		CreatedAt time.Time
		// UpdatedAt is when the record last changed, UTC.
		UpdatedAt time.Time
	}

	// Store persists conversation records. Implementations must make Create
	// idempotent: concurrent creates of the same ID converge on one record.
	Store interface {
		// Create persists a new idle record for the ID, or returns the
		// existing one unchanged.
		Create(ctx context.Context, id uuid.UUID) (Conversation, error)
		// Load retrieves a record. Returns ErrNotFound when absent.
		Load(ctx context.Context, id uuid.UUID) (Conversation, error)
		// SetStatus transitions the record's status and returns the updated
		// record. Returns ErrNotFound when absent.
		SetStatus(ctx context.Context, id uuid.UUID, status Status) (Conversation, error)
		// SetTitle records the display title chosen by the agent.
		SetTitle(ctx context.Context, id uuid.UUID, title string) error
	}
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusCanceling:
		return true
	}
	return false
}

// Active reports whether a worker execution may be producing output.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusCanceling
}
