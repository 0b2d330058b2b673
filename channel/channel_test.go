package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	redisclient "github.com/aibridge/chatrelay/channel/clients/redis"
	"github.com/aibridge/chatrelay/event"
)

type fakeClient struct {
	existsFn func(ctx context.Context, key string) (bool, error)
	appendFn func(ctx context.Context, key string, maxLen int64, values map[string]any) (string, error)
	rangeFn  func(ctx context.Context, key, start, stop string, count int64) ([]redisclient.Entry, error)
	readFn   func(ctx context.Context, key, lastID string, block time.Duration, count int64) ([]redisclient.Entry, error)
	deleteFn func(ctx context.Context, key string) (bool, error)
	expireFn func(ctx context.Context, key string, ttl time.Duration) error
}

func (f *fakeClient) Name() string                   { return "fake" }
func (f *fakeClient) Ping(context.Context) error     { return nil }
func (f *fakeClient) Exists(ctx context.Context, key string) (bool, error) {
	return f.existsFn(ctx, key)
}
func (f *fakeClient) Append(ctx context.Context, key string, maxLen int64, values map[string]any) (string, error) {
	return f.appendFn(ctx, key, maxLen, values)
}
func (f *fakeClient) Range(ctx context.Context, key, start, stop string, count int64) ([]redisclient.Entry, error) {
	return f.rangeFn(ctx, key, start, stop, count)
}
func (f *fakeClient) Read(ctx context.Context, key, lastID string, block time.Duration, count int64) ([]redisclient.Entry, error) {
	return f.readFn(ctx, key, lastID, block, count)
}
func (f *fakeClient) Delete(ctx context.Context, key string) (bool, error) {
	return f.deleteFn(ctx, key)
}
func (f *fakeClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return f.expireFn(ctx, key, ttl)
}

func encodedEntry(t *testing.T, id string, e event.Event) redisclient.Entry {
	t.Helper()
	data, err := event.Encode(e)
	require.NoError(t, err)
	return redisclient.Entry{ID: id, Values: map[string]any{"data": string(data)}}
}

func newTestChannel(t *testing.T, fc *fakeClient, tweak func(*Options)) *Channel {
	t.Helper()
	opts := Options{Client: fc, Key: Key(uuid.New())}
	if tweak != nil {
		tweak(&opts)
	}
	ch, err := New(opts)
	require.NoError(t, err)
	return ch
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Key: "conversation_updates:x"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeClient{}})
	require.Error(t, err)
}

func TestKeyDerivation(t *testing.T) {
	id := uuid.MustParse("b4f6d1a2-8c3e-4f5a-9b7d-2e1f0a9c8b7d")
	require.Equal(t, "conversation_updates:b4f6d1a2-8c3e-4f5a-9b7d-2e1f0a9c8b7d", Key(id))
}

func TestWaitForCreationFindsStream(t *testing.T) {
	var calls int
	fc := &fakeClient{existsFn: func(context.Context, string) (bool, error) {
		calls++
		return calls >= 3, nil
	}}
	ch := newTestChannel(t, fc, func(o *Options) {
		o.CreationDelay = time.Millisecond
		o.CreationStep = time.Millisecond
		o.CreationMaxDelay = 2 * time.Millisecond
	})
	require.True(t, ch.WaitForCreation(context.Background()))
	require.Equal(t, 3, calls)
}

func TestWaitForCreationTimesOut(t *testing.T) {
	fc := &fakeClient{existsFn: func(context.Context, string) (bool, error) { return false, nil }}
	ch := newTestChannel(t, fc, func(o *Options) {
		o.CreationDelay = time.Millisecond
		o.CreationStep = time.Millisecond
		o.CreationMaxDelay = 2 * time.Millisecond
		o.CreationTimeout = 20 * time.Millisecond
	})
	require.False(t, ch.WaitForCreation(context.Background()))
}

func TestWaitForCreationHonorsContext(t *testing.T) {
	fc := &fakeClient{existsFn: func(context.Context, string) (bool, error) { return false, nil }}
	ch := newTestChannel(t, fc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, ch.WaitForCreation(ctx))
}

func TestWaitForCreationSurvivesProbeErrors(t *testing.T) {
	var calls int
	fc := &fakeClient{existsFn: func(context.Context, string) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("connection reset")
		}
		return true, nil
	}}
	ch := newTestChannel(t, fc, func(o *Options) {
		o.CreationDelay = time.Millisecond
	})
	require.True(t, ch.WaitForCreation(context.Background()))
}

func TestAppendWritesEncodedEntry(t *testing.T) {
	var (
		gotMaxLen int64
		gotValues map[string]any
	)
	fc := &fakeClient{appendFn: func(_ context.Context, _ string, maxLen int64, values map[string]any) (string, error) {
		gotMaxLen = maxLen
		gotValues = values
		return "1-0", nil
	}}
	ch := newTestChannel(t, fc, nil)
	require.NoError(t, ch.Append(context.Background(), event.Message{Payload: json.RawMessage(`{"content":"hi"}`)}))
	require.Equal(t, int64(DefaultMaxLen), gotMaxLen)

	data, ok := gotValues["data"].([]byte)
	require.True(t, ok)
	ev, err := event.Decode(data)
	require.NoError(t, err)
	msg, ok := ev.(event.Message)
	require.True(t, ok)
	require.JSONEq(t, `{"content":"hi"}`, string(msg.Payload))
}

func TestAppendWrapsTransportFailure(t *testing.T) {
	fc := &fakeClient{appendFn: func(context.Context, string, int64, map[string]any) (string, error) {
		return "", errors.New("broken pipe")
	}}
	ch := newTestChannel(t, fc, nil)
	err := ch.Append(context.Background(), event.Status{Status: event.StatusComplete})
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "append", terr.Op)
}

func TestHistoryDropsMalformedEntries(t *testing.T) {
	fc := &fakeClient{rangeFn: func(context.Context, string, string, string, int64) ([]redisclient.Entry, error) {
		return []redisclient.Entry{
			encodedEntry(t, "1-0", event.Message{Payload: json.RawMessage(`"a"`)}),
			{ID: "2-0", Values: map[string]any{"data": "not json"}},
			{ID: "3-0", Values: map[string]any{"other": "field"}},
			encodedEntry(t, "4-0", event.Status{Status: event.StatusComplete}),
		}, nil
	}}
	ch := newTestChannel(t, fc, nil)
	entries, err := ch.History(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "1-0", entries[0].ID)
	require.Equal(t, event.TypeMessage, entries[0].Event.Type())
	require.Equal(t, "4-0", entries[1].ID)
	require.True(t, event.Terminal(entries[1].Event))
}

func drainTail(t *testing.T, entries <-chan Entry, errs <-chan error) ([]Entry, error) {
	t.Helper()
	var got []Entry
	for e := range entries {
		got = append(got, e)
	}
	var err error
	select {
	case err = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("tail error channel never closed")
	}
	return got, err
}

func TestTailStopsCleanlyOnComplete(t *testing.T) {
	batches := [][]redisclient.Entry{
		{encodedEntry(t, "1-0", event.Message{Payload: json.RawMessage(`"a"`)})},
		nil, // empty blocking read
		{
			encodedEntry(t, "2-0", event.Message{Payload: json.RawMessage(`"b"`)}),
			encodedEntry(t, "3-0", event.Status{Status: event.StatusComplete}),
		},
	}
	var call int
	fc := &fakeClient{readFn: func(_ context.Context, _ string, lastID string, _ time.Duration, _ int64) ([]redisclient.Entry, error) {
		defer func() { call++ }()
		switch call {
		case 1:
			require.Equal(t, "1-0", lastID)
		case 2:
			require.Equal(t, "1-0", lastID)
		}
		if call < len(batches) {
			return batches[call], nil
		}
		return nil, nil
	}}
	ch := newTestChannel(t, fc, func(o *Options) { o.ReadBlock = time.Millisecond })
	entries, errs, stop := ch.Tail(context.Background(), StartOldest)
	defer stop()
	got, err := drainTail(t, entries, errs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "1-0", got[0].ID)
	require.Equal(t, "2-0", got[1].ID)
}

func TestTailEmptyStartReadsFromOldest(t *testing.T) {
	var gotStart string
	fc := &fakeClient{readFn: func(_ context.Context, _ string, lastID string, _ time.Duration, _ int64) ([]redisclient.Entry, error) {
		if gotStart == "" {
			gotStart = lastID
		}
		return []redisclient.Entry{encodedEntry(t, "1-0", event.Status{Status: event.StatusComplete})}, nil
	}}
	ch := newTestChannel(t, fc, nil)
	entries, errs, stop := ch.Tail(context.Background(), "")
	defer stop()
	_, err := drainTail(t, entries, errs)
	require.NoError(t, err)

	// Tails always resume from a concrete position; there is no latest-only
	// mode that could skip entries appended between polls.
	require.Equal(t, StartOldest, gotStart)
}

func TestTailSurfacesProducerError(t *testing.T) {
	boom := "llm exploded"
	fc := &fakeClient{readFn: func(context.Context, string, string, time.Duration, int64) ([]redisclient.Entry, error) {
		return []redisclient.Entry{encodedEntry(t, "1-0", event.Status{Status: event.StatusError, Error: &boom})}, nil
	}}
	ch := newTestChannel(t, fc, nil)
	entries, errs, stop := ch.Tail(context.Background(), StartOldest)
	defer stop()
	got, err := drainTail(t, entries, errs)
	require.Empty(t, got)
	var perr *ProducerError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, boom, perr.Msg)
}

func TestTailSurfacesTransportError(t *testing.T) {
	fc := &fakeClient{readFn: func(context.Context, string, string, time.Duration, int64) ([]redisclient.Entry, error) {
		return nil, errors.New("connection refused")
	}}
	ch := newTestChannel(t, fc, nil)
	entries, errs, stop := ch.Tail(context.Background(), StartOldest)
	defer stop()
	_, err := drainTail(t, entries, errs)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "read", terr.Op)
}

func TestTailTimesOut(t *testing.T) {
	fc := &fakeClient{readFn: func(context.Context, string, string, time.Duration, int64) ([]redisclient.Entry, error) {
		return nil, nil
	}}
	ch := newTestChannel(t, fc, func(o *Options) {
		o.ReadBlock = time.Millisecond
		o.TailBudget = 20 * time.Millisecond
	})
	entries, errs, stop := ch.Tail(context.Background(), StartOldest)
	defer stop()
	_, err := drainTail(t, entries, errs)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestTailStopClosesWithoutError(t *testing.T) {
	fc := &fakeClient{readFn: func(ctx context.Context, _ string, _ string, block time.Duration, _ int64) ([]redisclient.Entry, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
			return nil, nil
		}
	}}
	ch := newTestChannel(t, fc, func(o *Options) { o.ReadBlock = time.Millisecond })
	entries, errs, stop := ch.Tail(context.Background(), StartOldest)
	stop()
	got, err := drainTail(t, entries, errs)
	require.Empty(t, got)
	require.NoError(t, err)
}

func TestTailSkipsUnknownEvents(t *testing.T) {
	unknown := redisclient.Entry{ID: "1-0", Values: map[string]any{
		"data": `{"type":"telemetry","timestamp":"0","payload":{"tokens":9}}`,
	}}
	fc := &fakeClient{readFn: func(context.Context, string, string, time.Duration, int64) ([]redisclient.Entry, error) {
		return []redisclient.Entry{
			unknown,
			encodedEntry(t, "2-0", event.Message{Payload: json.RawMessage(`"b"`)}),
			encodedEntry(t, "3-0", event.Status{Status: event.StatusComplete}),
		}, nil
	}}
	ch := newTestChannel(t, fc, nil)
	entries, errs, stop := ch.Tail(context.Background(), StartOldest)
	defer stop()
	got, err := drainTail(t, entries, errs)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2-0", got[0].ID)
}

func TestDeleteExactlyOnce(t *testing.T) {
	var storeCalls int
	var mu sync.Mutex
	fc := &fakeClient{deleteFn: func(context.Context, string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		storeCalls++
		return storeCalls == 1, nil
	}}
	ch := newTestChannel(t, fc, nil)

	var (
		wg       sync.WaitGroup
		removals int32
		countMu  sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ch.Delete(context.Background(), "test") {
				countMu.Lock()
				removals++
				countMu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, removals)
	require.Equal(t, 1, storeCalls)

	// The instance remembers the deletion and never touches the store again.
	require.False(t, ch.Delete(context.Background(), "again"))
	require.Equal(t, 1, storeCalls)
}

func TestDeleteRetriesAfterFailure(t *testing.T) {
	var calls int
	fc := &fakeClient{deleteFn: func(context.Context, string) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("timeout")
		}
		return true, nil
	}}
	ch := newTestChannel(t, fc, nil)
	require.False(t, ch.Delete(context.Background(), "first"))
	require.True(t, ch.Delete(context.Background(), "second"))
}
