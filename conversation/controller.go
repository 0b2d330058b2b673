package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

// Action is the controller's verdict on how a stream request should proceed.
type Action int

const (
	// ActionStart means no execution is active: start a worker and stream it.
	ActionStart Action = iota + 1

	// ActionAttach means an execution is already active: stream its channel
	// without starting anything.
	ActionAttach
)

var (
	// ErrBusy reports that a new message arrived while an execution is still
	// active for the conversation. At most one worker runs per conversation.
	ErrBusy = errors.New("conversation already has an active execution")

	// ErrNothingToStream reports a reconnect against an idle conversation.
	// There is no active execution and no message to start one.
	ErrNothingToStream = errors.New("no active execution to stream")
)

// Controller arbitrates the conversation lifecycle state machine. It owns the
// status transitions; callers act on its verdict but never mutate status
// themselves. Safe for concurrent use across conversations; races on the same
// conversation are resolved by the store's idempotent create plus the
// engine's start-conflict policy downstream.
type Controller struct {
	store Store
}

// NewController builds a Controller over the given store.
func NewController(store Store) (*Controller, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Controller{store: store}, nil
}

// Begin decides how a stream request proceeds. hasMessage reports whether the
// request carries a new user message.
//
// With a message: an idle (or brand new) conversation transitions to running
// and the caller starts a worker; an active one yields ErrBusy. Without a
// message: an active conversation yields ActionAttach so the caller replays
// and tails the existing channel; an idle or unknown one yields
// ErrNothingToStream rather than a stream that would never produce.
func (c *Controller) Begin(ctx context.Context, id uuid.UUID, hasMessage bool) (Action, Conversation, error) {
	conv, err := c.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		if !hasMessage {
			return 0, Conversation{}, ErrNothingToStream
		}
		if conv, err = c.store.Create(ctx, id); err != nil {
			return 0, Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
	case err != nil:
		return 0, Conversation{}, fmt.Errorf("load conversation: %w", err)
	}

	if !hasMessage {
		if !conv.Status.Active() {
			return 0, conv, ErrNothingToStream
		}
		log.Debug(ctx, log.KV{K: "msg", V: "attaching to active execution"}, log.KV{K: "conversation_id", V: id.String()})
		return ActionAttach, conv, nil
	}

	if conv.Status.Active() {
		return 0, conv, ErrBusy
	}
	conv, err = c.store.SetStatus(ctx, id, StatusRunning)
	if err != nil {
		return 0, Conversation{}, fmt.Errorf("mark conversation running: %w", err)
	}
	return ActionStart, conv, nil
}

// Cancel requests cancellation of the active execution. It is idempotent: an
// idle conversation and a repeat cancel both succeed without a transition.
// The caller signals the engine after a Running conversation moves to
// Canceling and calls Finish once the engine confirms.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID) (Conversation, error) {
	conv, err := c.store.Load(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if conv.Status != StatusRunning {
		return conv, nil
	}
	conv, err = c.store.SetStatus(ctx, id, StatusCanceling)
	if err != nil {
		return Conversation{}, fmt.Errorf("mark conversation canceling: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "conversation cancellation requested"}, log.KV{K: "conversation_id", V: id.String()})
	return conv, nil
}

// Finish resets the conversation to idle once its execution has wound down.
// Called from the worker side on every terminal path.
func (c *Controller) Finish(ctx context.Context, id uuid.UUID) error {
	if _, err := c.store.SetStatus(ctx, id, StatusIdle); err != nil {
		return fmt.Errorf("mark conversation idle: %w", err)
	}
	return nil
}
