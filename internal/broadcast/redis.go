package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisBufferSize = 32

// RedisBus carries room messages over Redis PUBLISH/SUBSCRIBE so that
// sessions held by different server processes see each other.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// Ping verifies Redis connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, topic, event, sender string, payload any) error {
	msg, err := newMessage(topic, event, sender, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning, so
// messages published after Subscribe returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	messages := make(chan Message, redisBufferSize)
	errs := make(chan error, redisBufferSize)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(messages)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}

				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					select {
					case errs <- fmt.Errorf("failed to unmarshal message on %s: %w", raw.Channel, err):
					default:
					}
					continue
				}
				msg.Topic = raw.Channel

				select {
				case messages <- msg:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		messages: messages,
		errors:   errs,
		cancel:   cancel,
	}, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
