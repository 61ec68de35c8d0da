// Package broker adapts the pipeline onto one of two interchangeable message
// brokers: an embedded queue broker with client-acknowledge semantics and
// wildcard subscriptions, and a journal (log) broker with per-topic logs and
// manually committed offsets. Neither flavour leaks into the contract.
package broker

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations against a closed broker.
var ErrClosed = errors.New("broker is closed")

// Message is one delivery from a topic.
type Message struct {
	Topic   string
	Key     string
	Headers map[string]string
	Payload []byte
}

// Handler processes one delivery. Returning nil acknowledges the message;
// returning an error leaves it unacknowledged and the broker redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live, pausable subscription.
type Subscription interface {
	// Pause stops dispatch after any in-flight delivery completes.
	// Pending messages remain queued.
	Pause()
	// Resume restarts dispatch of a paused subscription.
	Resume()
	// Lag is the number of pending, un-acknowledged messages behind this
	// subscription, summed across matched topics.
	Lag(ctx context.Context) (int64, error)
	// Close stops dispatch, waits for the in-flight delivery to drain,
	// and releases the subscription.
	Close() error
}

// Broker is the messaging contract shared by both flavours.
type Broker interface {
	// Publish writes |payload| to |topic| with the routing |key| and
	// |headers|. Publish returns only after the broker has durably
	// accepted the message.
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
	// Subscribe dispatches matching messages to |handler|, one at a time
	// per subscription. |pattern| is an exact topic, or a prefix wildcard
	// such as "trade/capture/input/*" matching any single-or-deeper
	// suffix.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)
	// Close drains in-flight deliveries and releases broker resources.
	Close() error
}

// matchTopic reports whether |topic| matches |pattern|. A trailing "/*"
// matches any non-empty suffix; otherwise matching is exact.
func matchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(topic, prefix+"/") && len(topic) > len(prefix)+1
	}
	return pattern == topic
}
