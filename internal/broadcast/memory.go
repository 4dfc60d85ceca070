package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const memoryBufferSize = 100

type memorySubscriber struct {
	topics   map[string]struct{}
	messages chan Message
	errors   chan error
}

// MemoryBus fans messages out inside one process.
type MemoryBus struct {
	subscribers map[string]*memorySubscriber
	mu          sync.RWMutex
	closed      bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]*memorySubscriber),
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the message.
func (b *MemoryBus) Publish(ctx context.Context, topic, event, sender string, payload any) error {
	msg, err := newMessage(topic, event, sender, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		select {
		case sub.messages <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	sub := &memorySubscriber{
		topics:   make(map[string]struct{}, len(topics)),
		messages: make(chan Message, memoryBufferSize),
		errors:   make(chan error),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	id := uuid.New().String()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.messages)
		close(sub.errors)
		return &Subscription{messages: sub.messages, errors: sub.errors, cancel: func() {}}, nil
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		messages: sub.messages,
		errors:   sub.errors,
		cancel:   cancel,
	}
	go func() {
		<-subCtx.Done()
		b.remove(id)
	}()
	return s, nil
}

func (b *MemoryBus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.messages)
		close(sub.errors)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.messages)
		close(sub.errors)
		delete(b.subscribers, id)
	}
	return nil
}
