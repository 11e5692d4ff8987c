package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahmads7/taskledger/task"
)

// newTestRepository connects to a MongoDB instance named by
// MONGODB_TEST_URI, skipping the test if it is unset or unreachable —
// the same escape hatch a Redis-backed benchmark suite would use
// ("rdb.Ping(ctx).Err() != nil → b.Skip(...)").
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set, skipping ledger integration test")
	}

	repo := New(Config{
		ConnectionString: uri,
		DatabaseName:     "taskledger_test",
		ConnectTimeout:   3 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.Initialize(ctx); err != nil {
		t.Skipf("could not initialize ledger against %s: %v", uri, err)
	}
	t.Cleanup(func() {
		repo.coll.Drop(context.Background())
		repo.Close(context.Background())
	})
	return repo
}

// TestS1_InsertThenRead covers the basic insert-then-read path.
func TestS1_InsertThenRead(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	in := task.New("t1", "hello", task.Pending)
	require.NoError(t, repo.UpsertTask(ctx, in))

	out, err := repo.GetByTaskId(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, "t1", out.TaskID)
	require.Equal(t, "hello", out.Body)
	require.Equal(t, task.Pending, out.Status)
}

// TestS2_ConcurrentAcquisitionContest is scenario S2: five concurrent
// acquirers race for one Pending task; exactly one wins.
func TestS2_ConcurrentAcquisitionContest(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertTask(ctx, task.New("t2", "", task.Pending)))

	type result struct {
		worker string
		task   *task.Task
	}
	results := make(chan result, 5)
	for i := 0; i < 5; i++ {
		workerID := "w_" + string(rune('a'+i))
		go func(workerID string) {
			got, err := repo.TryAcquireTask(ctx, task.Pending, task.Running, workerID, 5*time.Minute, time.Now().UTC())
			require.NoError(t, err)
			results <- result{worker: workerID, task: got}
		}(workerID)
	}

	var winners int
	for i := 0; i < 5; i++ {
		r := <-results
		if r.task != nil {
			winners++
			require.Equal(t, r.worker, r.task.WorkerPodID)
			require.Equal(t, task.Running, r.task.Status)
			require.Equal(t, int64(2), r.task.Version)
		}
	}
	require.Equal(t, 1, winners)
}

// TestS3_StaleTaskReclamation is scenario S3.
func TestS3_StaleTaskReclamation(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	stale := task.New("t3", "", task.Running)
	stale.WorkerPodID = "old"
	oldHB := time.Now().UTC().Add(-1 * time.Hour)
	stale.LastHeartbeat = &oldHB
	require.NoError(t, repo.UpsertTask(ctx, stale))

	got, err := repo.TryAcquireTask(ctx, task.Running, task.Running, "new", 5*time.Minute, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "new", got.WorkerPodID)
}

// TestS4_VersionCASRejection is scenario S4.
func TestS4_VersionCASRejection(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	in := task.New("t4", "", task.Pending)
	in.Version = 2
	require.NoError(t, repo.UpsertTask(ctx, in))

	ok, err := repo.UpdateStatusIfVersionMatches(ctx, "t4", 1, task.Running)
	require.NoError(t, err)
	require.False(t, ok)

	out, err := repo.GetByTaskId(ctx, "t4")
	require.NoError(t, err)
	require.Equal(t, task.Pending, out.Status)
	require.Equal(t, int64(2), out.Version)
}

// TestS5_RequeueCleanup is scenario S5.
func TestS5_RequeueCleanup(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	now := time.Now().UTC()
	in := task.New("t5", "", task.Running)
	in.WorkerPodID = "w1"
	in.WorkerNodeID = "n1"
	in.LastHeartbeat = &now
	in.LockedAt = &now
	require.NoError(t, repo.UpsertTask(ctx, in))

	ok, err := repo.RequeueTask(ctx, "t5", task.Queued, "timed out")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := repo.GetByTaskId(ctx, "t5")
	require.NoError(t, err)
	require.Equal(t, task.Queued, out.Status)
	require.Equal(t, "", out.WorkerPodID)
	require.Equal(t, "", out.WorkerNodeID)
	require.Nil(t, out.LastHeartbeat)
	require.Nil(t, out.LockedAt)
	require.Equal(t, "timed out", out.ErrorMessage)
}

// TestS6_StalledTaskDiscoveryPartitioning is scenario S6.
func TestS6_StalledTaskDiscoveryPartitioning(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	threshold := 5 * time.Minute
	deadHB := time.Now().UTC().Add(-2 * time.Hour)
	selfHB := time.Now().UTC()

	dead1 := task.New("dead-1", "", task.Running)
	dead1.WorkerPodID = "dead1"
	dead1.LastHeartbeat = &deadHB
	require.NoError(t, repo.UpsertTask(ctx, dead1))

	dead2 := task.New("dead-2", "", task.Running)
	dead2.WorkerPodID = "dead1"
	laterDeadHB := deadHB.Add(time.Minute)
	dead2.LastHeartbeat = &laterDeadHB
	require.NoError(t, repo.UpsertTask(ctx, dead2))

	alive := task.New("alive-1", "", task.Running)
	alive.WorkerPodID = "self"
	alive.LastHeartbeat = &selfHB
	require.NoError(t, repo.UpsertTask(ctx, alive))

	stalled, err := repo.GetStalledTasks(ctx, threshold, "self")
	require.NoError(t, err)
	require.Len(t, stalled, 2)
	require.Equal(t, "dead-1", stalled[0].TaskID)
	require.Equal(t, "dead-2", stalled[1].TaskID)
}

func TestStatusTimestampField(t *testing.T) {
	require.Equal(t, "processedAt", statusTimestampField(task.Processing))
	require.Equal(t, "completedAt", statusTimestampField(task.Completed))
	require.Equal(t, "failedAt", statusTimestampField(task.Failed))
	require.Equal(t, "", statusTimestampField(task.Running))
}
