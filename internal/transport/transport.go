// Package transport defines the Channel Transport contract the collaboration
// core consumes: topic-scoped broadcast plus per-topic presence tracking.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

var (
	// ErrUnavailable is returned when a send is attempted while the
	// transport is disconnected.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrBufferFull is returned when a topic cannot accept more messages.
	ErrBufferFull = errors.New("transport buffer full")
)

// Message is a broadcast envelope. Payload is JSON; handlers decode it with
// Decode.
type Message struct {
	ID      string          `json:"id" cbor:"id"`
	Topic   string          `json:"topic" cbor:"topic"`
	Event   string          `json:"event" cbor:"event"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at" cbor:"sent_at"`
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// NewMessage builds an envelope with a time-ordered id.
func NewMessage(topic, event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Message{
		ID:      ksuid.New().String(),
		Topic:   topic,
		Event:   event,
		Payload: data,
		SentAt:  time.Now().UTC(),
	}, nil
}

// PresenceEvent reports a key joining or leaving a topic's presence set.
type PresenceEvent struct {
	Topic  string          `json:"topic" cbor:"topic"`
	Key    string          `json:"key" cbor:"key"`
	Joined bool            `json:"joined" cbor:"joined"`
	Meta   json.RawMessage `json:"meta,omitempty" cbor:"meta,omitempty"`
}

type (
	Handler         func(Message)
	PresenceHandler func(PresenceEvent)
	StatusHandler   func(connected bool)
)

// Transport is implemented by realtime infrastructure. Implementations
// deliver messages per topic in send order to every current subscriber of
// the event, at least once. Handlers run on the transport's delivery
// goroutine and must not block.
type Transport interface {
	// Subscribe registers handler for event on topic. The returned func
	// removes the subscription and is safe to call more than once.
	Subscribe(topic, event string, handler Handler) (unsubscribe func())

	// Send enqueues a broadcast and returns without waiting for delivery.
	Send(ctx context.Context, topic, event string, payload any) error

	// Track adds key to the topic's presence set with meta, replacing any
	// previous meta for the key.
	Track(ctx context.Context, topic, key string, meta any) error
	Untrack(ctx context.Context, topic, key string) error

	// Presences returns the topic's current presence set.
	Presences(ctx context.Context, topic string) (map[string]json.RawMessage, error)

	OnPresence(topic string, handler PresenceHandler) (unsubscribe func())
	OnConnectionChange(handler StatusHandler) (unsubscribe func())
	Connected() bool
}
