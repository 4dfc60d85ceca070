// Package broadcast is the ephemeral per-room publish/subscribe layer.
//
// Delivery is at-most-once with no replay: a subscriber only sees messages
// published after it subscribed, and a slow subscriber may miss messages.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Channel is a named channel inside a project room.
type Channel string

const (
	ChannelCode  Channel = "code"
	ChannelDB    Channel = "db"
	ChannelBoard Channel = "board"
)

// Event names.
const (
	EventCodeUpdate  = "code-update"
	EventDBChange    = "db-change"
	EventBoardChange = "board-change"
	EventBoardClear  = "board-clear"
)

// Topic returns the bus topic of a room channel.
func Topic(projectID string, ch Channel) string {
	return fmt.Sprintf("room-%s-%s", projectID, ch)
}

// Message is the envelope carried on every topic. Sender identifies the
// publishing session so that receivers can ignore their own echoes.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty payload for event %s", m.Event)
	}
	return json.Unmarshal(m.Payload, v)
}

// Bus publishes and subscribes room messages.
type Bus interface {
	Publish(ctx context.Context, topic, event, sender string, payload any) error
	Subscribe(ctx context.Context, topics ...string) (*Subscription, error)
	Close() error
}

// Subscription delivers messages for the topics it was created with.
// Caller must call Close when done; cancelling the subscribe context also stops it.
type Subscription struct {
	messages <-chan Message
	errors   <-chan error
	cancel   func()
	once     sync.Once
}

// Messages is closed when the subscription ends.
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Errors reports non-fatal problems such as undecodable messages; the
// subscription keeps running after an error.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func newMessage(topic, event, sender string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Message{Topic: topic, Event: event, Sender: sender, Payload: raw}, nil
}
