// Package inmemory is a deterministic bus.Queue double with no external
// dependency, used by ingester unit tests to verify persist-before-ack
// without a broker.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahmads7/taskledger/bus"
)

// Queue is an in-process FIFO queue implementing bus.Queue.
type Queue struct {
	name string

	mu         sync.Mutex
	pending    []bus.Message
	inFlight   map[string]bus.Message
	completed  []string
	abandoned  []string
	deadLetter []deadLettered
}

type deadLettered struct {
	Message bus.Message
	Reason  string
}

// New creates an empty Queue named name.
func New(name string) *Queue {
	return &Queue{name: name, inFlight: make(map[string]bus.Message)}
}

// Publish enqueues a new message with body, generating a MessageID if
// one is not supplied via properties["messageId"].
func (q *Queue) Publish(body string, properties map[string]string) bus.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := properties["messageId"]
	if id == "" {
		id = uuid.NewString()
	}
	msg := bus.Message{
		MessageID:        id,
		Body:             body,
		BodyBytes:        []byte(body),
		EnqueuedTime:     time.Now().UTC(),
		ReceiptHandle:    uuid.NewString(),
		DeliveryCount:    1,
		Properties:       properties,
		SubscriptionName: q.name,
	}
	q.pending = append(q.pending, msg)
	return msg
}

func (q *Queue) Name() string { return q.name }

// ReceiveMessages returns up to maxMessages from the pending queue.
// maxWaitTime is honored only as an upper bound on context-free
// blocking; since the double never blocks, it returns immediately.
func (q *Queue) ReceiveMessages(ctx context.Context, maxMessages int, maxWaitTime time.Duration) ([]bus.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := maxMessages
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := make([]bus.Message, n)
	copy(out, q.pending[:n])
	q.pending = q.pending[n:]
	for _, m := range out {
		q.inFlight[m.ReceiptHandle] = m
	}
	return out, nil
}

func (q *Queue) Complete(ctx context.Context, msg bus.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[msg.ReceiptHandle]; !ok {
		return bus.ErrLockLost
	}
	delete(q.inFlight, msg.ReceiptHandle)
	q.completed = append(q.completed, msg.MessageID)
	return nil
}

func (q *Queue) Abandon(ctx context.Context, msg bus.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[msg.ReceiptHandle]; !ok {
		return bus.ErrLockLost
	}
	delete(q.inFlight, msg.ReceiptHandle)
	msg.DeliveryCount++
	q.pending = append(q.pending, msg)
	q.abandoned = append(q.abandoned, msg.MessageID)
	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, msg bus.Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[msg.ReceiptHandle]; !ok {
		return bus.ErrLockLost
	}
	delete(q.inFlight, msg.ReceiptHandle)
	q.deadLetter = append(q.deadLetter, deadLettered{Message: msg, Reason: reason})
	return nil
}

// Completed returns the message ids that have been acknowledged, for
// test assertions.
func (q *Queue) Completed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.completed))
	copy(out, q.completed)
	return out
}

// DeadLettered returns the messages moved to the poison store, for
// test assertions.
func (q *Queue) DeadLettered() []deadLettered {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]deadLettered, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Pending reports how many messages are still queued.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
