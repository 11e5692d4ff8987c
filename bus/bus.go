// Package bus defines the capability surface the ingester consumes from
// an external message broker. Concrete drivers — Alibaba MNS, Azure
// Service Bus — are out of scope for this core; only the interface and
// an in-repo concrete Redis Streams adapter (bus/redisstream) and test
// double (bus/inmemory) live here.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrLockLost is returned by Complete/Abandon/DeadLetter when the
// broker has already re-released the message before settlement.
// Callers must treat it as "message will be redelivered", not as a
// fatal error.
var ErrLockLost = errors.New("bus: lock lost")

// Message is a single unit of delivery from a queue or topic
// subscription.
type Message struct {
	MessageID        string
	Body             string
	BodyBytes        []byte
	EnqueuedTime     time.Time
	ReceiptHandle    string
	DeliveryCount    int
	Properties       map[string]string
	SubscriptionName string
}

// Queue is the subset of a message-bus client the ingester needs:
// at-least-once delivery with per-message locking.
type Queue interface {
	// ReceiveMessages returns up to maxMessages, waiting at most
	// maxWaitTime for the first one to arrive; it respects ctx
	// cancellation.
	ReceiveMessages(ctx context.Context, maxMessages int, maxWaitTime time.Duration) ([]Message, error)

	// Complete acknowledges successful processing and permanently
	// removes the message.
	Complete(ctx context.Context, msg Message) error

	// Abandon releases the lock so the message is redelivered.
	Abandon(ctx context.Context, msg Message) error

	// DeadLetter moves the message to a poison store with reason.
	DeadLetter(ctx context.Context, msg Message, reason string) error

	// Name identifies the queue/subscription for logging and for the
	// ingester's TopicName metadata tag.
	Name() string
}
