// Package redis provides a thin chatrelay-specific wrapper around the Redis
// stream commands used by the event log channel. It mirrors the layering used
// across existing deployments: callers build a Redis connection, pass it to
// New, and receive a typed interface that exposes only the operations the
// channel needs.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"
)

const clientName = "channel-redis"

type (
	// Client exposes the subset of Redis stream commands required by the
	// channel. Implementations must be safe for concurrent use.
	Client interface {
		health.Pinger

		// Exists reports whether the key is present.
		Exists(ctx context.Context, key string) (bool, error)
		// Append adds one entry holding the given field values to the stream,
		// trimming it to roughly maxLen entries. It returns the log-assigned
		// entry ID ("timestamp-sequence").
		Append(ctx context.Context, key string, maxLen int64, values map[string]any) (string, error)
		// Range returns up to count entries between start and stop inclusive.
		Range(ctx context.Context, key, start, stop string, count int64) ([]Entry, error)
		// Read blocks up to block waiting for entries strictly after lastID,
		// returning at most count of them. A nil slice with a nil error means
		// the block elapsed without new entries.
		Read(ctx context.Context, key, lastID string, block time.Duration, count int64) ([]Entry, error)
		// Delete removes the key, reporting whether it existed.
		Delete(ctx context.Context, key string) (bool, error)
		// Expire sets a time-to-live on the key.
		Expire(ctx context.Context, key string, ttl time.Duration) error
	}

	// Entry is one raw stream entry: the log-assigned ID plus field values.
	Entry struct {
		ID     string
		Values map[string]any
	}

	// client wraps a go-redis connection.
	client struct {
		rdb *goredis.Client
	}
)

// New constructs a Client backed by the provided Redis connection. The caller
// owns the connection lifecycle.
func New(rdb *goredis.Client) (Client, error) {
	if rdb == nil {
		return nil, errors.New("redis connection is required")
	}
	return &client{rdb: rdb}, nil
}

// Name implements health.Pinger.
func (c *client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *client) Append(ctx context.Context, key string, maxLen int64, values map[string]any) (string, error) {
	return c.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

func (c *client) Range(ctx context.Context, key, start, stop string, count int64) ([]Entry, error) {
	msgs, err := c.rdb.XRangeN(ctx, key, start, stop, count).Result()
	if err != nil {
		return nil, err
	}
	return toEntries(msgs), nil
}

func (c *client) Read(ctx context.Context, key, lastID string, block time.Duration, count int64) ([]Entry, error) {
	streams, err := c.rdb.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{key, lastID},
		Block:   block,
		Count:   count,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		// Block elapsed with no new entries.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, s := range streams {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

func (c *client) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func toEntries(msgs []goredis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries
}
