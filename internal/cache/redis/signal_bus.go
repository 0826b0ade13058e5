package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// streamMaxLen caps streams via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus carries position and listing events: Pub/Sub for live
// subscribers, a capped stream for replay.
type SignalBus struct {
	client *Client
}

func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c}
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.Underlying().Publish(ctx, sb.client.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns payloads published on channel until ctx ends, when the
// returned channel is closed. Glob patterns use PSUBSCRIBE.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	rdb := sb.client.Underlying()
	name := sb.client.Key(channel)

	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = rdb.PSubscribe(ctx, name)
	} else {
		pubsub = rdb.Subscribe(ctx, name)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream, trimming it to about streamMaxLen.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.client.Underlying().XAdd(ctx, &redis.XAddArgs{
		Stream: sb.client.Key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start). An empty stream is not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := sb.client.Underlying().XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.client.Key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if data, ok := streamPayload(msg.Values); ok {
				messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
			}
		}
	}
	return messages, nil
}

func streamPayload(values map[string]any) ([]byte, bool) {
	switch v := values["payload"].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
