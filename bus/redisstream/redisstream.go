// Package redisstream is a concrete bus.Queue implementation over Redis
// Streams and consumer groups. It stands in for the out-of-scope
// Alibaba MNS / Azure Service Bus style drivers, adapted from the
// XReadGroup/XAck/XAdd usage of a typical consumer/worker pair built on
// Redis Streams.
package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ahmads7/taskledger/bus"
)

const payloadField = "payload"

// Queue adapts a Redis Stream + consumer group to bus.Queue.
type Queue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	log      logrus.FieldLogger
}

// New binds to stream, creating group if it does not already exist
// (mirrors the common XGroupCreateMkStream-and-ignore-BUSYGROUP
// idiom).
func New(ctx context.Context, client *redis.Client, stream, group, consumer string, log logrus.FieldLogger) (*Queue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("redisstream: create group: %w", err)
	}
	return &Queue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      log.WithFields(logrus.Fields{"stream": stream, "group": group}),
	}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (q *Queue) Name() string { return q.stream }

// ReceiveMessages reads up to maxMessages new entries, blocking up to
// maxWaitTime for the first delivery.
func (q *Queue) ReceiveMessages(ctx context.Context, maxMessages int, maxWaitTime time.Duration) ([]bus.Message, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(maxMessages),
		Block:    maxWaitTime,
	}).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redisstream: XReadGroup: %w", err)
	}

	var out []bus.Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			out = append(out, toMessage(entry, q.stream))
		}
	}
	return out, nil
}

func toMessage(entry redis.XMessage, subscription string) bus.Message {
	body, _ := entry.Values[payloadField].(string)
	props := make(map[string]string, len(entry.Values))
	for k, v := range entry.Values {
		if k == payloadField {
			continue
		}
		if s, ok := v.(string); ok {
			props[k] = s
		}
	}
	deliveryCount := 1
	if v, ok := entry.Values["deliveryCount"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			deliveryCount = n
		}
	}
	return bus.Message{
		MessageID:     entry.ID,
		Body:          body,
		BodyBytes:     []byte(body),
		ReceiptHandle: entry.ID,
		DeliveryCount: deliveryCount,
		Properties:    props,
	}
}

// Complete acknowledges the message, removing it from the pending
// entries list.
func (q *Queue) Complete(ctx context.Context, msg bus.Message) error {
	if err := q.client.XAck(ctx, q.stream, q.group, msg.ReceiptHandle).Err(); err != nil {
		return q.classify(err)
	}
	return nil
}

// Abandon leaves the entry in the group's pending-entries list; Redis
// Streams has no explicit "release lock" call, so this is a no-op.
// ReceiveMessages reads only new entries (">") and this adapter never
// claims pending entries, so an abandoned message is not redelivered
// through this Queue.
func (q *Queue) Abandon(ctx context.Context, msg bus.Message) error {
	q.log.WithField("messageId", msg.MessageID).Debug("abandoning message, leaving in PEL for redelivery")
	return nil
}

// DeadLetter moves the entry to a "<stream>_dlq" stream tagged with
// reason, then acknowledges the original.
func (q *Queue) DeadLetter(ctx context.Context, msg bus.Message, reason string) error {
	dlqStream := q.stream + "_dlq"
	values := map[string]interface{}{payloadField: msg.Body, "reason": reason}
	for k, v := range msg.Properties {
		values[k] = v
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: dlqStream, Values: values}).Err(); err != nil {
		return q.classify(err)
	}
	return q.Complete(ctx, msg)
}

// Publish adds a new entry to the stream, the producer-side
// counterpart used by cmd/ledgerd's demo feed and by the DLQ-redrive
// admin operation.
func (q *Queue) Publish(ctx context.Context, body string, properties map[string]string) (string, error) {
	values := map[string]interface{}{payloadField: body}
	for k, v := range properties {
		values[k] = v
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Result()
	if err != nil {
		return "", q.classify(err)
	}
	return id, nil
}

func (q *Queue) classify(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return bus.ErrLockLost
	}
	return fmt.Errorf("redisstream: %w", err)
}
