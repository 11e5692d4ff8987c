// Package ingester implements the ingester pull loop: a
// transactional-outbox handoff that persists a received
// message as a Task before acknowledging it to the upstream bus, so no
// message is lost on a crash between persist and ack. The fetch/
// process/settle shape follows the classic fetchTasks/worker/
// processMessage split of a pull-based consumer loop.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahmads7/taskledger/bus"
	"github.com/ahmads7/taskledger/config"
	"github.com/ahmads7/taskledger/metrics"
	"github.com/ahmads7/taskledger/retry"
	"github.com/ahmads7/taskledger/task"
)

// messageProcessingBudget is the hard-coded wall-clock cap on a single
// message's processing.
const messageProcessingBudget = 5 * time.Minute

const envelopeAttempts = 3

// TaskHandler is the optional user-supplied processing step invoked
// after persist, before settlement. A nil handler means a
// store-and-forward deployment: the ingester only persists the task as
// Processing/Completed and the worker subsystem picks it up from
// there.
type TaskHandler func(ctx context.Context, t *task.Task) error

// TickMetrics are the observable per-tick outputs.
type TickMetrics struct {
	Total          int
	Success        int
	Failure        int
	Elapsed        time.Duration
	SuccessRatePct float64
	AvgMsPerMsg    float64
}

// Loop is one ingester pull loop, bound to a single queue/subscription.
// A deployment with multiple queues runs one Loop per queue.
type Loop struct {
	queue   bus.Queue
	repo    Repository
	handler TaskHandler
	cfg     config.Ingester
	log     logrus.FieldLogger
}

// New builds a Loop. handler may be nil for store-and-forward
// deployments.
func New(queue bus.Queue, repo Repository, handler TaskHandler, cfg config.Ingester, log logrus.FieldLogger) *Loop {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		queue:   queue,
		repo:    repo,
		handler: handler,
		cfg:     cfg,
		log:     log.WithFields(logrus.Fields{"component": "ingester", "queue": queue.Name()}),
	}
}

// Run drives the loop until ctx is cancelled, sleeping
// pollingWaitSeconds between ticks that found nothing.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m, err := l.Tick(ctx)
		if err != nil {
			l.log.WithError(err).Warn("ingester tick failed")
		}
		if m.Total == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(l.cfg.PollingWaitSeconds) * time.Second):
			}
		}
	}
}

// Tick runs a single receive→persist→handle→settle cycle and reports
// its metrics.
func (l *Loop) Tick(ctx context.Context) (TickMetrics, error) {
	start := time.Now()

	messages, err := l.receiveWithRetry(ctx)
	if err != nil {
		return TickMetrics{}, err
	}
	if len(messages) == 0 {
		return TickMetrics{}, nil
	}

	var mu sync.Mutex
	var succeeded, failed int
	var wg sync.WaitGroup

	for _, m := range messages {
		wg.Add(1)
		go func(m bus.Message) {
			defer wg.Done()
			ok := l.processMessage(ctx, m)
			mu.Lock()
			if ok {
				succeeded++
			} else {
				failed++
			}
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := succeeded + failed
	tm := TickMetrics{
		Total:       total,
		Success:     succeeded,
		Failure:     failed,
		Elapsed:     elapsed,
		AvgMsPerMsg: float64(elapsed.Milliseconds()) / float64(total),
	}
	if total > 0 {
		tm.SuccessRatePct = 100 * float64(succeeded) / float64(total)
	}
	metrics.IngesterTickDurationSeconds.WithLabelValues(l.queue.Name()).Observe(elapsed.Seconds())
	metrics.IngesterTickSuccessRate.WithLabelValues(l.queue.Name()).Set(tm.SuccessRatePct)
	l.log.WithFields(logrus.Fields{
		"total": tm.Total, "success": tm.Success, "failure": tm.Failure,
		"elapsedMs": elapsed.Milliseconds(), "successRatePct": tm.SuccessRatePct,
	}).Info("ingester tick complete")

	return tm, nil
}

// receiveWithRetry wraps ReceiveMessages with the 3-attempt, base-2s
// exponential backoff.
func (l *Loop) receiveWithRetry(ctx context.Context) ([]bus.Message, error) {
	b := retry.NewExponentialBackOff(envelopeAttempts - 1)
	var lastErr error
	for {
		msgs, err := l.queue.ReceiveMessages(ctx, l.cfg.BatchSize, time.Duration(l.cfg.PollingWaitSeconds)*time.Second)
		if err == nil {
			return msgs, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		d := b.NextBackOff()
		if d < 0 {
			return nil, fmt.Errorf("receive messages: %w", lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// processMessage runs the persist-before-ack envelope
// for a single message, under a 5-minute wall-clock cap linked to the
// loop's shutdown signal. It returns true on success.
func (l *Loop) processMessage(ctx context.Context, m bus.Message) bool {
	msgCtx, cancel := context.WithTimeout(ctx, messageProcessingBudget)
	defer cancel()

	t := buildTask(m, l.queue.Name())

	if err := l.upsertWithRetry(msgCtx, t); err != nil {
		l.log.WithError(err).WithField("messageId", m.MessageID).Error("failed to persist task, leaving message for redelivery")
		metrics.IngesterMessagesTotal.WithLabelValues(l.queue.Name(), "persist_failure").Inc()
		return false
	}

	var handlerErr error
	if l.handler != nil {
		handlerErr = l.handler(msgCtx, t)
	}

	if handlerErr == nil {
		if _, err := l.repo.TryUpdateTaskStatus(msgCtx, t.TaskID, task.Completed); err != nil {
			l.log.WithError(err).WithField("taskId", t.TaskID).Warn("failed to mark task Completed")
		}
		if err := l.queue.Complete(ctx, m); err != nil && !errors.Is(err, bus.ErrLockLost) {
			l.log.WithError(err).WithField("messageId", m.MessageID).Warn("failed to complete message")
		}
		metrics.IngesterMessagesTotal.WithLabelValues(l.queue.Name(), "success").Inc()
		return true
	}

	if _, err := l.repo.TryUpdateTaskStatus(msgCtx, t.TaskID, task.Failed); err != nil {
		l.log.WithError(err).WithField("taskId", t.TaskID).Warn("failed to mark task Failed")
	}
	l.settleFailed(ctx, m, handlerErr)
	metrics.IngesterMessagesTotal.WithLabelValues(l.queue.Name(), "failure").Inc()
	return false
}

func (l *Loop) settleFailed(ctx context.Context, m bus.Message, cause error) {
	if l.cfg.DeadLetterFailedMessages {
		if err := l.queue.DeadLetter(ctx, m, cause.Error()); err != nil && !errors.Is(err, bus.ErrLockLost) {
			l.log.WithError(err).WithField("messageId", m.MessageID).Warn("failed to dead-letter message")
		}
		return
	}
	if err := l.queue.Abandon(ctx, m); err != nil && !errors.Is(err, bus.ErrLockLost) {
		l.log.WithError(err).WithField("messageId", m.MessageID).Warn("failed to abandon message")
	}
}

// upsertWithRetry tries the persist step up to 3 times (2 retries with
// backoff), restarting from the persist step rather than re-receiving
// the message.
func (l *Loop) upsertWithRetry(ctx context.Context, t *task.Task) error {
	b := retry.NewExponentialBackOff(envelopeAttempts - 1)
	for {
		err := l.repo.UpsertTask(ctx, t)
		if err == nil {
			return nil
		}
		d := b.NextBackOff()
		if d < 0 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// buildTask constructs the task persisted for a received message:
// taskId = message id, status Processing, metadata carrying the
// message properties plus source tags.
func buildTask(m bus.Message, queueName string) *task.Task {
	t := task.New(m.MessageID, m.Body, task.Processing)
	for k, v := range m.Properties {
		t.Metadata[k] = v
	}
	t.Metadata["Source"] = "bus"
	t.Metadata["TopicName"] = queueName
	if m.SubscriptionName != "" {
		t.Metadata["SubscriptionName"] = m.SubscriptionName
	}
	return t
}
