// Package relay orchestrates conversation streaming. It arbitrates the
// conversation lifecycle, starts worker executions on the engine, replays the
// channel history and tails live output, and converts every failure mode into
// a single user-facing fallback message. The transport layer supplies an emit
// callback; the relay never touches HTTP.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/aibridge/chatrelay/channel"
	"github.com/aibridge/chatrelay/conversation"
	"github.com/aibridge/chatrelay/engine"
	"github.com/aibridge/chatrelay/event"
)

// FailureMessage is the only error text ever shown to end users. Internal
// failure detail stays in logs.
const FailureMessage = "Oops! Something went wrong. Please try again."

const (
	defaultRunWait = 60 * time.Second
	defaultRunPoll = 100 * time.Millisecond
)

// Kind discriminates relayed output events.
type Kind int

const (
	// KindMessage is an assistant message payload, relayed verbatim.
	KindMessage Kind = iota + 1

	// KindConversation is a refreshed conversation record.
	KindConversation
)

type (
	// OutputEvent is one unit of output handed to the transport layer.
	OutputEvent struct {
		// Kind discriminates which field below is set.
		Kind Kind
		// Message holds the assistant message payload for KindMessage.
		Message json.RawMessage
		// Conversation holds the refreshed record for KindConversation.
		Conversation *conversation.Conversation
	}

	// EmitFunc delivers one output event to the client. A non-nil error means
	// the client is gone and the stream should unwind.
	EmitFunc func(OutputEvent) error

	// StreamRequest describes one stream attachment. An empty Message is a
	// reconnect: the relay attaches to the active execution instead of
	// starting one.
	StreamRequest struct {
		ConversationID uuid.UUID
		// TraceID correlates the stream with the originating client request.
		TraceID uuid.UUID
		// Message is the new user message, empty on reconnect.
		Message string
		// ContextualTools and UIContext ride along to the producer untouched.
		ContextualTools map[string]json.RawMessage
		UIContext       json.RawMessage
	}

	// Channel is the per-conversation event log as the relay consumes it.
	Channel interface {
		WaitForCreation(ctx context.Context) bool
		History(ctx context.Context) ([]channel.Entry, error)
		Tail(ctx context.Context, startID string) (<-chan channel.Entry, <-chan error, func())
		Delete(ctx context.Context, reason string) bool
	}

	// ChannelFactory opens the channel for a conversation.
	ChannelFactory func(conversationID uuid.UUID) (Channel, error)

	// Options configures a Relay. Channels, Engine and Store are required.
	Options struct {
		// Channels opens per-conversation channels.
		Channels ChannelFactory
		// Engine starts and controls worker executions.
		Engine engine.Engine
		// Store persists conversation records.
		Store conversation.Store
		// RunWait bounds the wait for a started execution to begin running.
		RunWait time.Duration
		// RunPoll is the describe poll interval during RunWait.
		RunPoll time.Duration
	}

	// Relay streams conversation output to clients.
	Relay struct {
		channels ChannelFactory
		eng      engine.Engine
		store    conversation.Store
		ctrl     *conversation.Controller
		runWait  time.Duration
		runPoll  time.Duration
	}
)

// New constructs a Relay.
func New(opts Options) (*Relay, error) {
	if opts.Channels == nil {
		return nil, errors.New("channel factory is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	ctrl, err := conversation.NewController(opts.Store)
	if err != nil {
		return nil, err
	}
	runWait := opts.RunWait
	if runWait <= 0 {
		runWait = defaultRunWait
	}
	runPoll := opts.RunPoll
	if runPoll <= 0 {
		runPoll = defaultRunPoll
	}
	return &Relay{
		channels: opts.Channels,
		eng:      opts.Engine,
		store:    opts.Store,
		ctrl:     ctrl,
		runWait:  runWait,
		runPoll:  runPoll,
	}, nil
}

// StartAndStream handles one stream attachment end to end. With a message it
// starts a worker execution and streams its output; without one it attaches
// to the active execution. Errors returned before the first emit are
// transport-mappable (conversation.ErrBusy, conversation.ErrNothingToStream,
// conversation.ErrNotFound); once emission begins every failure surfaces as
// the fallback message instead. The channel is deleted on every exit path.
func (r *Relay) StartAndStream(ctx context.Context, req StreamRequest, emit EmitFunc) error {
	ctx = log.With(ctx,
		log.KV{K: "conversation_id", V: req.ConversationID.String()},
		log.KV{K: "trace_id", V: req.TraceID.String()})

	hasMessage := req.Message != ""
	action, _, err := r.ctrl.Begin(ctx, req.ConversationID, hasMessage)
	if err != nil {
		return err
	}

	ch, err := r.channels(req.ConversationID)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	// The channel outlives a disconnected client only until the stream
	// unwinds; cleanup must run even when ctx is already canceled.
	defer ch.Delete(context.WithoutCancel(ctx), "stream finished")

	if action == conversation.ActionStart {
		// A channel left behind by a crashed turn would satisfy the creation
		// wait immediately and replay its finished history instead of the new
		// turn's output. Use a fresh handle so the deferred delete above still
		// runs at stream end.
		if stale, serr := r.channels(req.ConversationID); serr == nil {
			stale.Delete(ctx, "stale channel cleanup")
		}
		in := engine.StartInput{
			ConversationID:  req.ConversationID,
			TraceID:         req.TraceID,
			Message:         req.Message,
			ContextualTools: req.ContextualTools,
			UIContext:       req.UIContext,
		}
		if err := r.eng.Start(ctx, in); err != nil {
			r.reset(ctx, req.ConversationID)
			return fmt.Errorf("start execution: %w", err)
		}
		if err := engine.WaitRunning(ctx, r.eng, req.ConversationID, r.runWait, r.runPoll); err != nil {
			r.reset(ctx, req.ConversationID)
			return r.emitFailure(ctx, emit, err)
		}
	}

	return r.stream(ctx, ch, emit)
}

// Stream attaches to the active execution of a conversation without starting
// one. This is the reconnect path.
func (r *Relay) Stream(ctx context.Context, conversationID, traceID uuid.UUID, emit EmitFunc) error {
	return r.StartAndStream(ctx, StreamRequest{ConversationID: conversationID, TraceID: traceID}, emit)
}

// Cancel requests cancellation of the active execution. Once the engine
// confirms, the channel is deleted and the conversation returns to idle so the
// next message can start a fresh turn right away. Idempotent: cancels of idle
// conversations and repeat cancels succeed without effect. Unknown
// conversations yield conversation.ErrNotFound.
func (r *Relay) Cancel(ctx context.Context, conversationID uuid.UUID) error {
	conv, err := r.ctrl.Cancel(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status != conversation.StatusCanceling {
		return nil
	}
	if err := r.eng.Cancel(ctx, conversationID); err != nil {
		// Leave the record in canceling; a repeat cancel retries the engine.
		return fmt.Errorf("cancel execution: %w", err)
	}
	if ch, cerr := r.channels(conversationID); cerr == nil {
		ch.Delete(ctx, "conversation canceled")
	}
	if err := r.ctrl.Finish(ctx, conversationID); err != nil {
		return fmt.Errorf("release canceled conversation: %w", err)
	}
	return nil
}

// stream replays history then tails live output. The split is gap-free: the
// tail resumes from the highest history ID, and IDs are the sole ordering
// authority.
func (r *Relay) stream(ctx context.Context, ch Channel, emit EmitFunc) error {
	if !ch.WaitForCreation(ctx) {
		return r.emitFailure(ctx, emit, errors.New("channel was never created"))
	}

	history, err := ch.History(ctx)
	if err != nil {
		return r.emitFailure(ctx, emit, err)
	}
	lastID := channel.StartOldest
	for _, e := range history {
		lastID = e.ID
		if st, terminal := e.Event.(event.Status); terminal {
			if st.Status == event.StatusComplete {
				return nil
			}
			return r.emitFailure(ctx, emit, &channel.ProducerError{Msg: derefOr(st.Error, "unknown error")})
		}
		if err := r.emitEvent(ctx, e.Event, emit); err != nil {
			return err
		}
	}

	entries, errs, stop := ch.Tail(ctx, lastID)
	defer stop()
	for e := range entries {
		if err := r.emitEvent(ctx, e.Event, emit); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil {
		return r.emitFailure(ctx, emit, err)
	}
	return nil
}

// emitEvent converts one channel event into transport output. Conversation
// events trigger a record refresh; a failed refresh drops the event rather
// than killing an otherwise healthy stream.
func (r *Relay) emitEvent(ctx context.Context, ev event.Event, emit EmitFunc) error {
	switch e := ev.(type) {
	case event.Message:
		return emit(OutputEvent{Kind: KindMessage, Message: e.Payload})
	case event.Conversation:
		conv, err := r.store.Load(ctx, e.ID)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "conversation refresh failed"}, log.KV{K: "err", V: err.Error()})
			return nil
		}
		return emit(OutputEvent{Kind: KindConversation, Conversation: &conv})
	default:
		return nil
	}
}

// emitFailure logs the real cause and sends the generic fallback message. It
// returns nil: from the client's perspective the stream ended normally with a
// failure notice.
func (r *Relay) emitFailure(ctx context.Context, emit EmitFunc, cause error) error {
	log.Error(ctx, cause, log.KV{K: "msg", V: "stream failed, sending fallback message"})
	payload, err := json.Marshal(map[string]string{
		"id":      uuid.New().String(),
		"type":    "ai/failure",
		"content": FailureMessage,
	})
	if err != nil {
		return fmt.Errorf("encode fallback message: %w", err)
	}
	if err := emit(OutputEvent{Kind: KindMessage, Message: payload}); err != nil {
		return err
	}
	return nil
}

// reset returns a conversation to idle after a failed start. The worker never
// ran, so nothing else will release the record.
func (r *Relay) reset(ctx context.Context, conversationID uuid.UUID) {
	if err := r.ctrl.Finish(ctx, conversationID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "failed to reset conversation after start failure"}, log.KV{K: "err", V: err.Error()})
	}
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}
