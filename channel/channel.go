// Package channel implements the durable event log that decouples a worker
// execution from transient HTTP streaming connections. Each conversation turn
// owns one append-only Redis stream keyed by the conversation ID; the worker
// appends encoded events to it and any number of relay attachments replay and
// tail it. The stream is length-bounded, expires after completion, and is
// deleted exactly once by whichever cleanup path gets there first.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	redisclient "github.com/aibridge/chatrelay/channel/clients/redis"
	"github.com/aibridge/chatrelay/event"
)

// KeyPrefix prefixes every channel key; the suffix is the conversation ID.
const KeyPrefix = "conversation_updates:"

const (
	// DefaultMaxLen bounds the number of entries kept per channel. Trimming
	// is approximate; exact enforcement is not required.
	DefaultMaxLen = 1000

	// DefaultExpiry is how long a completed channel lingers before Redis
	// reclaims it, covering late reconnects.
	DefaultExpiry = 30 * time.Minute

	// DefaultTailBudget is the wall-clock ceiling for a single tail read.
	DefaultTailBudget = 300 * time.Second

	// DefaultCreationTimeout bounds how long WaitForCreation polls before
	// reporting the channel absent.
	DefaultCreationTimeout = 60 * time.Second

	defaultReadBlock        = 50 * time.Millisecond
	defaultReadCount        = 8
	defaultCreationDelay    = 50 * time.Millisecond
	defaultCreationStep     = 150 * time.Millisecond
	defaultCreationMaxDelay = 2 * time.Second
)

// StartOldest reads a channel from its first retained entry.
const StartOldest = "0"

// dataField is the stream field holding the encoded event envelope.
const dataField = "data"

// ErrTimeout reports that a tail read exceeded its wall-clock budget before
// observing a terminal sentinel.
var ErrTimeout = errors.New("channel read timed out before completion")

type (
	// TransportError wraps an underlying store failure observed while reading
	// or appending.
	TransportError struct {
		// Op names the failing operation.
		Op string
		// Err is the underlying store error.
		Err error
	}

	// ProducerError surfaces an error sentinel recorded by the worker. Msg is
	// the producer's own error text; it is for logs, never for clients.
	ProducerError struct {
		Msg string
	}

	// Entry pairs a decoded event with its log-assigned ID. IDs are lexically
	// sortable "timestamp-sequence" strings and are the sole ordering
	// authority; embedded event timestamps are diagnostic only.
	Entry struct {
		ID    string
		Event event.Event
	}

	// Options configures a Channel. Client and Key are required; zero-valued
	// tunables use the package defaults.
	Options struct {
		// Client is the Redis stream client backing the channel.
		Client redisclient.Client
		// Key is the stream key, normally derived via Key().
		Key string
		// MaxLen bounds retained entries (approximate trim).
		MaxLen int64
		// ReadBlock bounds each blocking poll of a tail read.
		ReadBlock time.Duration
		// ReadCount caps entries returned per poll.
		ReadCount int64
		// TailBudget is the wall-clock ceiling for one Tail call.
		TailBudget time.Duration
		// CreationTimeout bounds WaitForCreation.
		CreationTimeout time.Duration
		// CreationDelay is the initial poll delay of WaitForCreation; it
		// grows linearly by CreationStep up to CreationMaxDelay.
		CreationDelay    time.Duration
		CreationStep     time.Duration
		CreationMaxDelay time.Duration
	}

	// Channel is the append-only event log for one conversation turn. Safe
	// for concurrent use; the deletion guard serializes concurrent cleanup
	// paths attached to the same instance.
	Channel struct {
		client redisclient.Client
		key    string
		opts   Options

		delMu   sync.Mutex
		deleted bool
	}
)

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying store error.
func (e *TransportError) Unwrap() error { return e.Err }

// Error implements error.
func (e *ProducerError) Error() string {
	return fmt.Sprintf("producer failed: %s", e.Msg)
}

// Key derives the channel key for a conversation. Worker retries re-derive
// the same key so retried attempts land in the same logical channel.
func Key(conversationID uuid.UUID) string {
	return KeyPrefix + conversationID.String()
}

// New constructs a Channel. The Client and Key fields in opts are required.
func New(opts Options) (*Channel, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Key == "" {
		return nil, errors.New("channel key is required")
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = defaultReadBlock
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = defaultReadCount
	}
	if opts.TailBudget <= 0 {
		opts.TailBudget = DefaultTailBudget
	}
	if opts.CreationTimeout <= 0 {
		opts.CreationTimeout = DefaultCreationTimeout
	}
	if opts.CreationDelay <= 0 {
		opts.CreationDelay = defaultCreationDelay
	}
	if opts.CreationStep <= 0 {
		opts.CreationStep = defaultCreationStep
	}
	if opts.CreationMaxDelay <= 0 {
		opts.CreationMaxDelay = defaultCreationMaxDelay
	}
	return &Channel{client: opts.Client, key: opts.Key, opts: opts}, nil
}

// Key returns the stream key this channel operates on.
func (c *Channel) Key() string { return c.key }

// Exists reports whether the backing stream key is present. Presence is the
// signal that a worker execution has begun producing.
func (c *Channel) Exists(ctx context.Context) (bool, error) {
	ok, err := c.client.Exists(ctx, c.key)
	if err != nil {
		return false, &TransportError{Op: "exists", Err: err}
	}
	return ok, nil
}

// WaitForCreation polls for the stream key with linear backoff until the
// creation timeout elapses. It returns false on timeout or context
// cancellation without raising; absence past the budget is a normal outcome
// the caller turns into a user-visible failure.
func (c *Channel) WaitForCreation(ctx context.Context) bool {
	var (
		delay    = c.opts.CreationDelay
		deadline = time.Now().Add(c.opts.CreationTimeout)
	)
	for {
		if time.Now().After(deadline) {
			log.Debug(ctx, log.KV{K: "msg", V: "channel creation wait timed out"}, log.KV{K: "key", V: c.key})
			return false
		}
		ok, err := c.client.Exists(ctx, c.key)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "channel existence probe failed"}, log.KV{K: "key", V: c.key}, log.KV{K: "err", V: err.Error()})
		} else if ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay += c.opts.CreationStep; delay > c.opts.CreationMaxDelay {
			delay = c.opts.CreationMaxDelay
		}
	}
}

// Append encodes the event and adds it to the stream, trimming to the length
// cap. The first append creates the stream.
func (c *Channel) Append(ctx context.Context, e event.Event) error {
	data, err := event.Encode(e)
	if err != nil {
		return fmt.Errorf("append to %s: %w", c.key, err)
	}
	if _, err := c.client.Append(ctx, c.key, c.opts.MaxLen, map[string]any{dataField: data}); err != nil {
		return &TransportError{Op: "append", Err: err}
	}
	return nil
}

// SetExpiry schedules the stream for reclamation. Called by the worker after
// recording a Complete sentinel so late reconnects still find the history.
func (c *Channel) SetExpiry(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	if err := c.client.Expire(ctx, c.key, ttl); err != nil {
		return &TransportError{Op: "expire", Err: err}
	}
	return nil
}

// History returns the retained entries in log order as a one-shot,
// non-blocking read. Undecodable entries are dropped with a warning; terminal
// sentinels are included so callers can detect an already-finished channel.
func (c *Channel) History(ctx context.Context) ([]Entry, error) {
	raw, err := c.client.Range(ctx, c.key, "-", "+", c.opts.MaxLen)
	if err != nil {
		return nil, &TransportError{Op: "range", Err: err}
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		ev, ok := c.decodeEntry(ctx, r)
		if !ok {
			continue
		}
		entries = append(entries, Entry{ID: r.ID, Event: ev})
	}
	return entries, nil
}

// Tail reads entries strictly after startID, blocking in bounded intervals
// until a terminal sentinel, the wall-clock budget, or stop. startID must be
// a concrete entry ID or StartOldest; an empty value reads from the oldest
// entry. Data entries are emitted in log order on the entries channel; a
// Complete sentinel closes it cleanly, while an Error sentinel, a transport
// failure or a budget overrun emits exactly one error before closing. The
// returned stop function cancels consumption; both channels are closed on
// every exit path.
func (c *Channel) Tail(ctx context.Context, startID string) (<-chan Entry, <-chan error, func()) {
	entries := make(chan Entry, c.opts.ReadCount)
	errs := make(chan error, 1)
	tctx, cancel := context.WithCancel(ctx)
	go c.tail(tctx, startID, entries, errs)
	return entries, errs, cancel
}

func (c *Channel) tail(ctx context.Context, startID string, out chan<- Entry, errs chan<- error) {
	defer close(out)
	defer close(errs)

	current := startID
	if current == "" {
		current = StartOldest
	}
	deadline := time.Now().Add(c.opts.TailBudget)
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Now().After(deadline) {
			errs <- ErrTimeout
			return
		}
		raw, err := c.client.Read(ctx, c.key, current, c.opts.ReadBlock, c.opts.ReadCount)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- &TransportError{Op: "read", Err: err}
			return
		}
		for _, r := range raw {
			current = r.ID
			ev, ok := c.decodeEntry(ctx, r)
			if !ok {
				continue
			}
			if st, terminal := ev.(event.Status); terminal {
				if st.Status == event.StatusComplete {
					return
				}
				msg := "unknown error"
				if st.Error != nil {
					msg = *st.Error
				}
				errs <- &ProducerError{Msg: msg}
				return
			}
			if ev.Type() == event.TypeUnknown {
				continue
			}
			select {
			case out <- Entry{ID: r.ID, Event: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Delete removes the stream. It is idempotent and internally serialized:
// concurrent cleanup paths observe a single deletion, and later calls
// short-circuit without touching the store. Failures are logged, never
// propagated; it returns true only for the call that removed the key.
func (c *Channel) Delete(ctx context.Context, reason string) bool {
	c.delMu.Lock()
	defer c.delMu.Unlock()
	if c.deleted {
		return false
	}
	removed, err := c.client.Delete(ctx, c.key)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "channel delete failed"}, log.KV{K: "key", V: c.key}, log.KV{K: "reason", V: reason})
		return false
	}
	c.deleted = true
	log.Debug(ctx, log.KV{K: "msg", V: "channel deleted"}, log.KV{K: "key", V: c.key}, log.KV{K: "reason", V: reason}, log.KV{K: "removed", V: removed})
	return removed
}

// decodeEntry extracts and decodes the event envelope from a raw entry.
// Malformed entries are dropped with a warning rather than failing the read;
// the codec itself maps broken status payloads to a generic error sentinel.
func (c *Channel) decodeEntry(ctx context.Context, r redisclient.Entry) (event.Event, bool) {
	field, ok := r.Values[dataField]
	if !ok {
		log.Warn(ctx, log.KV{K: "msg", V: "channel entry missing data field"}, log.KV{K: "key", V: c.key}, log.KV{K: "entry_id", V: r.ID})
		return nil, false
	}
	var data []byte
	switch v := field.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		log.Warn(ctx, log.KV{K: "msg", V: "channel entry has unexpected field type"}, log.KV{K: "key", V: c.key}, log.KV{K: "entry_id", V: r.ID})
		return nil, false
	}
	ev, err := event.Decode(data)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "dropping undecodable channel entry"}, log.KV{K: "key", V: c.key}, log.KV{K: "entry_id", V: r.ID}, log.KV{K: "err", V: err.Error()})
		return nil, false
	}
	return ev, true
}
