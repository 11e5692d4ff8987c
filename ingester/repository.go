package ingester

import (
	"context"

	"github.com/ahmads7/taskledger/task"
)

// Repository is the subset of ledger.Repository the ingester needs:
// the outbox-style persist (UpsertTask) and the convenience status
// update (TryUpdateTaskStatus).
type Repository interface {
	UpsertTask(ctx context.Context, t *task.Task) error
	TryUpdateTaskStatus(ctx context.Context, taskID string, newStatus task.Status) (bool, error)
}
