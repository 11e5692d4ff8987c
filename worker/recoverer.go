package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahmads7/taskledger/metrics"
	"github.com/ahmads7/taskledger/task"
)

// recoverStalled implements the stalled-task recoverer. It is invoked
// at the top of each worker loop iteration: it fetches tasks abandoned
// by a dead (or simply slow) worker and requeues them, tolerating the
// expected race against any other worker that got there first.
func recoverStalled(ctx context.Context, repo Repository, heartbeatThreshold time.Duration, workerID string, log logrus.FieldLogger) {
	stalled, err := repo.GetStalledTasks(ctx, heartbeatThreshold, workerID)
	if err != nil {
		log.WithError(err).Warn("failed to fetch stalled tasks")
		return
	}

	for _, t := range stalled {
		ownership := "foreign"
		reason := "Task stalled in worker " + t.WorkerPodID
		if t.WorkerPodID == workerID {
			ownership = "self"
			reason = "Task stalled in current worker"
		}

		ok, err := repo.RequeueTask(ctx, t.TaskID, task.Queued, reason)
		if err != nil {
			log.WithError(err).WithField("taskId", t.TaskID).Warn("failed to requeue stalled task")
			continue
		}
		if !ok {
			// Another worker already recovered it; expected and benign.
			continue
		}
		metrics.StalledTasksRecoveredTotal.WithLabelValues(ownership).Inc()
		log.WithFields(logrus.Fields{"taskId": t.TaskID, "ownership": ownership}).Info("recovered stalled task")
	}
}
