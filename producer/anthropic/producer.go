// Package anthropic implements the worker's producer on the Anthropic Claude
// Messages API. Each turn opens one streaming completion; text deltas become
// assistant message events carrying the cumulative message snapshot so
// clients can render progressively without diffing.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/aibridge/chatrelay/conversation"
	"github.com/aibridge/chatrelay/engine"
	"github.com/aibridge/chatrelay/event"
	"github.com/aibridge/chatrelay/worker"
)

const (
	defaultMaxTokens = 4096

	// titleLimit caps the auto-derived conversation title length, in runes.
	titleLimit = 80
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// producer. *sdk.MessageService satisfies it; tests pass a fake.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the producer.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps the completion length. Defaults to 4096.
		MaxTokens int64
		// System is an optional system prompt.
		System string
	}

	// Producer implements worker.Producer on Claude Messages.
	Producer struct {
		msg    MessagesClient
		store  conversation.Store
		model  string
		maxTok int64
		system string
	}
)

// New builds a producer from an established Messages client.
func New(msg MessagesClient, store conversation.Store, opts Options) (*Producer, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Producer{
		msg:    msg,
		store:  store,
		model:  opts.Model,
		maxTok: maxTok,
		system: opts.System,
	}, nil
}

// NewFromAPIKey constructs a producer using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, store conversation.Store, opts Options) (*Producer, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, store, opts)
}

// Open implements worker.Producer. On a conversation's first titled-less turn
// it derives a title from the user message and queues a conversation refresh
// event ahead of the model output.
func (p *Producer) Open(ctx context.Context, turn engine.StartInput) (worker.EventStream, error) {
	if turn.Message == "" {
		return nil, errors.New("turn message is required")
	}

	var pending []event.Event
	if ev := p.maybeSetTitle(ctx, turn); ev != nil {
		pending = append(pending, ev)
	}

	params := sdk.MessageNewParams{
		MaxTokens: p.maxTok,
		Model:     sdk.Model(p.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(turn.Message)),
		},
	}
	if p.system != "" {
		params.System = []sdk.TextBlockParam{{Text: p.system}}
	}

	stream := p.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newEventStream(stream, pending), nil
}

// maybeSetTitle persists a derived title for untitled conversations and
// returns the refresh event to relay. Title failures are logged and skipped;
// they must not block the turn.
func (p *Producer) maybeSetTitle(ctx context.Context, turn engine.StartInput) event.Event {
	conv, err := p.store.Load(ctx, turn.ConversationID)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "title check failed"}, log.KV{K: "err", V: err.Error()})
		return nil
	}
	if conv.Title != "" {
		return nil
	}
	if err := p.store.SetTitle(ctx, turn.ConversationID, deriveTitle(turn.Message)); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "title update failed"}, log.KV{K: "err", V: err.Error()})
		return nil
	}
	return event.Conversation{ID: turn.ConversationID}
}

// deriveTitle uses the opening of the first message as the display title.
func deriveTitle(message string) string {
	title := strings.TrimSpace(message)
	if line, _, found := strings.Cut(title, "\n"); found {
		title = strings.TrimSpace(line)
	}
	if utf8.RuneCountInString(title) <= titleLimit {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleLimit]))
}

// eventStream adapts a Claude SSE stream to worker.EventStream.
type eventStream struct {
	stream  *ssestream.Stream[sdk.MessageStreamEventUnion]
	pending []event.Event

	messageID uuid.UUID
	content   strings.Builder
	done      bool
}

func newEventStream(stream *ssestream.Stream[sdk.MessageStreamEventUnion], pending []event.Event) *eventStream {
	return &eventStream{stream: stream, pending: pending, messageID: uuid.New()}
}

// Recv returns the next turn event. Text deltas yield assistant message
// snapshots; other SDK events are consumed silently. Returns io.EOF once the
// model stream ends cleanly.
func (s *eventStream) Recv(ctx context.Context) (event.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return nil, fmt.Errorf("anthropic stream: %w", err)
			}
			s.done = true
			return nil, io.EOF
		}
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			s.messageID = uuid.New()
			s.content.Reset()
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				s.content.WriteString(delta.Text)
				msg, err := s.snapshot()
				if err != nil {
					return nil, err
				}
				return msg, nil
			}
		}
	}
}

// Close releases the underlying SSE stream.
func (s *eventStream) Close() error {
	return s.stream.Close()
}

// snapshot encodes the cumulative assistant message so far.
func (s *eventStream) snapshot() (event.Event, error) {
	payload, err := json.Marshal(map[string]string{
		"id":      s.messageID.String(),
		"type":    "ai",
		"content": s.content.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode assistant message: %w", err)
	}
	return event.Message{Payload: payload}, nil
}
