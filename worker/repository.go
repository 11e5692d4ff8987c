package worker

import (
	"context"
	"time"

	"github.com/ahmads7/taskledger/task"
)

// Repository is the subset of ledger.Repository the worker loop needs.
// Accepting this narrow interface (rather than the concrete *ledger.
// Repository) keeps the loop's unit tests free of MongoDB, the same
// way a Consumer/Worker type should depend only on the methods
// of *redis.Client they actually call.
type Repository interface {
	TryAcquireTask(ctx context.Context, fromStatus, toStatus task.Status, workerID string, staleTaskTimeout time.Duration, heartbeatNow time.Time) (*task.Task, error)
	GetByTaskId(ctx context.Context, taskID string) (*task.Task, error)
	UpdateStatusIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus task.Status) (bool, error)
	UpdateStatusAndErrorIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus task.Status, errorMessage string) (bool, error)
	IncrementRetryCountIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus task.Status, errorMessage string) (bool, error)
	UpdateHeartbeatIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, workerID string, heartbeat time.Time) (bool, error)
	GetStalledTasks(ctx context.Context, threshold time.Duration, selfWorkerID string) ([]*task.Task, error)
	RequeueTask(ctx context.Context, taskID string, newStatus task.Status, reason string) (bool, error)
}
