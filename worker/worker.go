// Package worker hosts the durable execution side of the relay: the workflow
// and activity that drive a producer and append its output to the
// conversation's event log. The producer is abstract; the Anthropic-backed
// implementation lives in producer/anthropic.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"goa.design/clue/log"

	"github.com/aibridge/chatrelay/conversation"
	"github.com/aibridge/chatrelay/engine"
	enginetemporal "github.com/aibridge/chatrelay/engine/temporal"
	"github.com/aibridge/chatrelay/event"
)

// ActivityName identifies the conversation processing activity.
const ActivityName = "process-conversation"

// logExpiry is how long a completed event log lingers for late reconnects.
const logExpiry = 30 * time.Minute

// heartbeatTimeout bounds the gap between activity heartbeats. Cancellation
// is only delivered to the activity on a heartbeat response, so the producer
// loop heartbeats per event and a stalled producer fails the attempt.
const heartbeatTimeout = 30 * time.Second

type (
	// Producer generates the events of one conversation turn.
	Producer interface {
		// Open starts production for the turn and returns its event stream.
		Open(ctx context.Context, turn engine.StartInput) (EventStream, error)
	}

	// EventStream yields turn events one at a time. Recv returns io.EOF when
	// the producer has nothing more to say.
	EventStream interface {
		Recv(ctx context.Context) (event.Event, error)
		Close() error
	}

	// EventLog is the worker's write-side view of a conversation channel.
	EventLog interface {
		// Reset discards any previous generation of the log.
		Reset(ctx context.Context)
		// Append adds one event.
		Append(ctx context.Context, e event.Event) error
		// SetExpiry schedules the log for reclamation.
		SetExpiry(ctx context.Context, ttl time.Duration) error
	}

	// EventLogFactory opens the write-side log for a conversation.
	EventLogFactory func(conversationID uuid.UUID) (EventLog, error)

	// Activities bundles the activity implementations and their dependencies.
	Activities struct {
		producer  Producer
		logs      EventLogFactory
		store     conversation.Store
		heartbeat func(ctx context.Context)
	}
)

// NewActivities constructs the activity bundle.
func NewActivities(producer Producer, logs EventLogFactory, store conversation.Store) (*Activities, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if logs == nil {
		return nil, errors.New("event log factory is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Activities{
		producer: producer,
		logs:     logs,
		store:    store,
		heartbeat: func(ctx context.Context) {
			// No-op outside a Temporal activity so the bundle stays callable
			// from plain contexts.
			if activity.IsActivity(ctx) {
				activity.RecordHeartbeat(ctx)
			}
		},
	}, nil
}

// Register wires the workflow and activities into a Temporal worker.
func Register(w temporalworker.Worker, acts *Activities) {
	w.RegisterWorkflowWithOptions(ConversationWorkflow, workflow.RegisterOptions{Name: enginetemporal.WorkflowName})
	w.RegisterActivityWithOptions(acts.ProcessConversation, activity.RegisterOptions{Name: ActivityName})
}

// ProcessConversation drives one producer turn, appending every event to the
// conversation's log. A clean end appends the completion sentinel and
// schedules expiry; any failure appends the error sentinel and re-raises so
// the engine's retry policy governs further attempts. Each attempt starts a
// fresh log generation so a retried turn never appends after a sentinel.
func (a *Activities) ProcessConversation(ctx context.Context, turn engine.StartInput) (err error) {
	ctx = log.With(ctx,
		log.KV{K: "conversation_id", V: turn.ConversationID.String()},
		log.KV{K: "trace_id", V: turn.TraceID.String()})

	elog, err := a.logs(turn.ConversationID)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	// Cleanup must run after cancellation too.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if _, serr := a.store.SetStatus(cleanupCtx, turn.ConversationID, conversation.StatusIdle); serr != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "failed to release conversation"}, log.KV{K: "err", V: serr.Error()})
		}
	}()

	elog.Reset(ctx)

	stream, err := a.producer.Open(ctx, turn)
	if err != nil {
		return a.fail(cleanupCtx, elog, fmt.Errorf("open producer: %w", err))
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "producer stream close failed"}, log.KV{K: "err", V: cerr.Error()})
		}
	}()

	for {
		// Heartbeats carry cancellation back: a canceled workflow fails the
		// next Recv through ctx.
		a.heartbeat(ctx)
		ev, rerr := stream.Recv(ctx)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return a.fail(cleanupCtx, elog, fmt.Errorf("produce events: %w", rerr))
		}
		if err := elog.Append(ctx, ev); err != nil {
			return a.fail(cleanupCtx, elog, fmt.Errorf("append event: %w", err))
		}
	}

	if err := elog.Append(ctx, event.Status{Status: event.StatusComplete}); err != nil {
		return fmt.Errorf("append completion sentinel: %w", err)
	}
	if err := elog.SetExpiry(ctx, logExpiry); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "failed to schedule log expiry"}, log.KV{K: "err", V: err.Error()})
	}
	log.Info(ctx, log.KV{K: "msg", V: "conversation turn completed"})
	return nil
}

// fail records the error sentinel and re-raises the cause so the engine
// decides whether to retry. The sentinel carries the error text for operator
// debugging; readers replace it with the generic fallback message.
func (a *Activities) fail(ctx context.Context, elog EventLog, cause error) error {
	msg := cause.Error()
	if aerr := elog.Append(ctx, event.Status{Status: event.StatusError, Error: &msg}); aerr != nil {
		log.Error(ctx, aerr, log.KV{K: "msg", V: "failed to append error sentinel"})
	}
	log.Error(ctx, cause, log.KV{K: "msg", V: "conversation turn failed"})
	return cause
}
