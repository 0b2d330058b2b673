package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aibridge/chatrelay/channel"
	redisclient "github.com/aibridge/chatrelay/channel/clients/redis"
	"github.com/aibridge/chatrelay/event"
)

// ChannelLogs returns an EventLogFactory backed by per-conversation Redis
// stream channels.
func ChannelLogs(client redisclient.Client) EventLogFactory {
	return func(conversationID uuid.UUID) (EventLog, error) {
		ch, err := channel.New(channel.Options{Client: client, Key: channel.Key(conversationID)})
		if err != nil {
			return nil, err
		}
		return &channelLog{ch: ch}, nil
	}
}

// channelLog adapts channel.Channel to the worker's write-side view.
type channelLog struct {
	ch *channel.Channel
}

func (l *channelLog) Reset(ctx context.Context) {
	l.ch.Delete(ctx, "new log generation")
}

func (l *channelLog) Append(ctx context.Context, e event.Event) error {
	return l.ch.Append(ctx, e)
}

func (l *channelLog) SetExpiry(ctx context.Context, ttl time.Duration) error {
	return l.ch.SetExpiry(ctx, ttl)
}
