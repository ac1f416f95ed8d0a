// Package stream is the pub/sub substrate: named streams with multi-subscriber
// fan-out, at-least-once delivery and FIFO ordering per stream. Providers plug
// in underneath (in-memory channels for dev and tests, AMQP for durable
// fan-out across silos).
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// ID addresses one stream within a named provider. The namespace groups
// related streams (e.g. "trade"), the key selects one of them.
type ID struct {
	Provider  string `json:"provider"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

func NewID(provider, namespace, key string) ID {
	return ID{Provider: provider, Namespace: namespace, Key: key}
}

// Topic is the provider-level routing key.
func (id ID) Topic() string { return id.Namespace + "." + id.Key }

func (id ID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Provider, id.Namespace, id.Key)
}

// Event is the wire envelope for stream payloads. Seq increases per stream
// from a single publisher; subscribers use it for at-least-once dedup.
type Event struct {
	Stream      ID              `json:"stream"`
	Seq         uint64          `json:"seq"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// BackpressurePolicy says what happens when a subscriber falls MaxPending
// events behind.
type BackpressurePolicy string

const (
	// Block slows the publisher until the subscriber drains.
	Block BackpressurePolicy = "block"
	// DropOldest evicts the oldest pending event and keeps going.
	DropOldest BackpressurePolicy = "dropOldest"
)

// StreamPolicy bounds one subscriber's pending queue.
type StreamPolicy struct {
	MaxPending int
	Policy     BackpressurePolicy
}

func DefaultPolicy() StreamPolicy {
	return StreamPolicy{MaxPending: 256, Policy: Block}
}
