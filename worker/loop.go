// Package worker implements the worker loop: a long-running
// per-process routine that acquires tasks, maintains heartbeats while
// processing, handles failures with bounded retries, and invokes the
// stalled-task recoverer at the top of every iteration. Concurrency
// shape follows a classic worker pool: a fan-out of goroutines joined
// by a sync.WaitGroup per batch, each under its own cancellation
// scope.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahmads7/taskledger/config"
	"github.com/ahmads7/taskledger/failure"
	"github.com/ahmads7/taskledger/metrics"
	"github.com/ahmads7/taskledger/task"
)

// TaskHandler is the user-supplied per-task business logic the core
// invokes; the core never inspects its internals.
type TaskHandler func(ctx context.Context, t *task.Task) error

// Loop is one worker process's coordination routine.
type Loop struct {
	repo     Repository
	handler  TaskHandler
	cfg      config.Worker
	workerID string
	log      logrus.FieldLogger
}

// New builds a Loop. workerID is typically internal/identity's
// {nodeName}-{podName}-{instanceId} string.
func New(repo Repository, handler TaskHandler, cfg config.Worker, workerID string, log logrus.FieldLogger) *Loop {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		repo:     repo,
		handler:  handler,
		cfg:      cfg,
		workerID: workerID,
		log:      log.WithFields(logrus.Fields{"component": "worker", "workerId": workerID}),
	}
}

// Run drives the loop until ctx is cancelled. It is the long-running
// entrypoint a host process starts in its own goroutine.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		recoverStalled(ctx, l.repo, 5*time.Minute, l.workerID, l.log)

		acquired, err := l.acquireBatch(ctx)
		if err != nil {
			l.log.WithError(err).Warn("batch acquisition failed")
		}

		if len(acquired) > 0 {
			l.processBatch(ctx, acquired)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollingInterval):
		}
	}
}

// ExecuteOnce runs a single iteration (recover, acquire, process) and
// returns without sleeping — the entrypoint a cron-style scheduler
// embeds instead of calling Run.
func (l *Loop) ExecuteOnce(ctx context.Context) error {
	recoverStalled(ctx, l.repo, 5*time.Minute, l.workerID, l.log)

	acquired, err := l.acquireBatch(ctx)
	if err != nil {
		return err
	}
	l.processBatch(ctx, acquired)
	return nil
}

// acquireBatch fills up to cfg.BatchSize slots, trying the
// Completed→Queued promotion before the Queued→Assigned claim for
// each slot. A slot that promotes a Completed task
// into the worker's Queued lane does not yield a task to process this
// iteration; only a slot that reaches Assigned does. The loop stops as
// soon as a slot finds nothing in either status.
func (l *Loop) acquireBatch(ctx context.Context) ([]*task.Task, error) {
	var acquired []*task.Task

	for i := 0; i < l.cfg.BatchSize; i++ {
		now := time.Now().UTC()

		promoted, err := l.repo.TryAcquireTask(ctx, task.Completed, task.Queued, l.workerID, l.cfg.StaleTaskTimeout, now)
		if err != nil {
			return acquired, err
		}
		if promoted != nil {
			metrics.WorkerTasksAcquiredTotal.WithLabelValues("Completed->Queued").Inc()
			continue
		}

		assigned, err := l.repo.TryAcquireTask(ctx, task.Queued, task.Assigned, l.workerID, l.cfg.StaleTaskTimeout, now)
		if err != nil {
			return acquired, err
		}
		if assigned == nil {
			break
		}
		metrics.WorkerTasksAcquiredTotal.WithLabelValues("Queued->Assigned").Inc()
		acquired = append(acquired, assigned)
	}

	return acquired, nil
}

// processBatch runs every acquired task concurrently, each under its
// own cancellation scope, and waits for all of them to finish before
// returning.
func (l *Loop) processBatch(ctx context.Context, acquired []*task.Task) {
	var wg sync.WaitGroup
	for _, t := range acquired {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			l.processTask(ctx, t)
		}(t)
	}
	wg.Wait()
}

// processTask promotes an Assigned task to Running, runs the handler
// under a heartbeat ticker and a staleTaskTimeout deadline, and drives
// the outcome through success or the failure sub-protocol.
func (l *Loop) processTask(ctx context.Context, t *task.Task) {
	log := l.log.WithField("taskId", t.TaskID)

	ok, err := l.repo.UpdateStatusIfVersionMatches(ctx, t.TaskID, t.Version, task.Running)
	if err != nil {
		log.WithError(err).Warn("failed to transition task to Running")
		return
	}
	if !ok {
		log.Warn("version mismatch transitioning to Running, dropping ownership")
		return
	}
	t.Version++
	t.Status = task.Running

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := time.AfterFunc(l.cfg.StaleTaskTimeout, cancel)
	defer deadline.Stop()

	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		l.heartbeat(procCtx, t.TaskID, log)
	}()

	start := time.Now()
	err = l.runHandler(procCtx, t)
	metrics.WorkerTaskDurationSeconds.Observe(time.Since(start).Seconds())

	cancel()
	heartbeatWG.Wait()

	if ctx.Err() != nil {
		// Shutdown in progress: leave the task owned; stall-recovery
		// reclaims it after heartbeatThreshold.
		log.Info("shutdown during processing, leaving task for stall recovery")
		return
	}

	if err == nil {
		l.onSuccess(ctx, t, log)
		return
	}

	if procCtx.Err() != nil && ctx.Err() == nil {
		// Per-task deadline fired, not a process-wide shutdown: treat
		// as a transient Timeout failure.
		err = fmt.Errorf("task exceeded stale task timeout: %w", err)
	}

	l.onFailure(ctx, t, err, log)
}

// runHandler invokes the user handler, recovering a panic into an
// error the same way a worker pool recovers panics around
// submitted tasks.
func (l *Loop) runHandler(ctx context.Context, t *task.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return l.handler(ctx, t)
}

// heartbeat re-reads the task and refreshes its lease every
// cfg.HeartbeatInterval. A version mismatch means an authoritative
// change happened elsewhere (most likely stall-recovery by another
// worker); it is logged and otherwise ignored — this worker should
// drop ownership.
func (l *Loop) heartbeat(ctx context.Context, taskID string, log logrus.FieldLogger) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := l.repo.GetByTaskId(ctx, taskID)
			if err != nil || current == nil {
				continue
			}
			ok, err := l.repo.UpdateHeartbeatIfVersionMatches(ctx, taskID, current.Version, l.workerID, time.Now().UTC())
			if err != nil {
				log.WithError(err).Warn("heartbeat update failed")
				continue
			}
			if !ok {
				metrics.WorkerHeartbeatFailuresTotal.Inc()
				log.Warn("heartbeat version mismatch, ownership likely lost")
			}
		}
	}
}

func (l *Loop) onSuccess(ctx context.Context, t *task.Task, log logrus.FieldLogger) {
	current, err := l.repo.GetByTaskId(ctx, t.TaskID)
	if err != nil || current == nil {
		log.WithError(err).Warn("failed to re-read task before success transition")
		return
	}
	ok, err := l.repo.UpdateStatusIfVersionMatches(ctx, t.TaskID, current.Version, task.Succeeded)
	if err != nil {
		log.WithError(err).Warn("failed to transition task to Succeeded")
		return
	}
	if !ok {
		log.Warn("version mismatch transitioning to Succeeded")
		return
	}
	metrics.WorkerTaskOutcomeTotal.WithLabelValues("Succeeded").Inc()
	log.Info("task succeeded")
}

// onFailure drives the failure handling sub-protocol:
// transition to Error, then either Queued with a bumped retryCount or
// Failed once the budget is exhausted.
func (l *Loop) onFailure(ctx context.Context, t *task.Task, handlerErr error, log logrus.FieldLogger) {
	log = log.WithError(handlerErr)

	if failure.Classify(handlerErr) == failure.Terminal {
		l.terminateTask(ctx, t.TaskID, fmt.Sprintf("Terminal failure: %v", handlerErr), log)
		return
	}

	current, err := l.repo.GetByTaskId(ctx, t.TaskID)
	if err != nil || current == nil {
		log.WithError(err).Warn("failed to re-read task before error transition")
		return
	}

	ok, err := l.repo.UpdateStatusAndErrorIfVersionMatches(ctx, t.TaskID, current.Version, task.Error, handlerErr.Error())
	if err != nil {
		log.WithError(err).Warn("failed to transition task to Error")
		return
	}
	if !ok {
		log.Warn("version mismatch transitioning to Error, abandoning retry")
		return
	}

	current, err = l.repo.GetByTaskId(ctx, t.TaskID)
	if err != nil || current == nil {
		log.WithError(err).Warn("failed to re-read task before retry decision")
		return
	}

	if current.RetryCount < l.cfg.MaxRetries {
		reason := fmt.Sprintf("Retry attempt %d/%d", current.RetryCount+1, l.cfg.MaxRetries)
		ok, err := l.repo.IncrementRetryCountIfVersionMatches(ctx, t.TaskID, current.Version, task.Queued, reason)
		if err != nil {
			log.WithError(err).Warn("failed to requeue task for retry")
			return
		}
		if !ok {
			log.Warn("version mismatch requeueing for retry, abandoning")
			return
		}
		metrics.WorkerTaskOutcomeTotal.WithLabelValues("Retrying").Inc()
		log.WithField("retryCount", current.RetryCount+1).Info("task requeued for retry")
		return
	}

	l.terminateTask(ctx, t.TaskID, fmt.Sprintf("Failed permanently after %d retries: %v", current.RetryCount, handlerErr), log)
}

func (l *Loop) terminateTask(ctx context.Context, taskID, reason string, log logrus.FieldLogger) {
	current, err := l.repo.GetByTaskId(ctx, taskID)
	if err != nil || current == nil {
		log.WithError(err).Warn("failed to re-read task before terminal transition")
		return
	}
	ok, err := l.repo.UpdateStatusAndErrorIfVersionMatches(ctx, taskID, current.Version, task.Failed, reason)
	if err != nil {
		log.WithError(err).Warn("failed to transition task to Failed")
		return
	}
	if !ok {
		log.Warn("version mismatch transitioning to Failed")
		return
	}
	metrics.WorkerTaskOutcomeTotal.WithLabelValues("Failed").Inc()
	log.WithField("reason", reason).Info("task failed permanently")
}
