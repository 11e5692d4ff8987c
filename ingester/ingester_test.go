package ingester

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ahmads7/taskledger/bus/inmemory"
	"github.com/ahmads7/taskledger/config"
	"github.com/ahmads7/taskledger/task"
)

type fakeRepo struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	// upsertCalls counts every UpsertTask invocation per taskId, so a
	// duplicate delivery shows up as a second call against one stored task.
	upsertCalls map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: map[string]*task.Task{}, upsertCalls: map[string]int{}}
}

func (r *fakeRepo) UpsertTask(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertCalls[t.TaskID]++
	clone := *t
	r.tasks[t.TaskID] = &clone
	return nil
}

func (r *fakeRepo) TryUpdateTaskStatus(ctx context.Context, taskID string, newStatus task.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false, nil
	}
	t.Status = newStatus
	t.Version++
	return true, nil
}

func (r *fakeRepo) get(taskID string) *task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[taskID]
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testIngesterConfig() config.Ingester {
	return config.Ingester{BatchSize: 10, PollingWaitSeconds: 1, DeadLetterFailedMessages: true}
}

func TestTickPersistsBeforeCompleting(t *testing.T) {
	q := inmemory.New("orders")
	q.Publish("hello world", map[string]string{"messageId": "m1"})

	repo := newFakeRepo()
	handler := func(ctx context.Context, tk *task.Task) error { return nil }
	loop := New(q, repo, handler, testIngesterConfig(), quietLogger())

	m, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, m.Total)
	require.Equal(t, 1, m.Success)

	persisted := repo.get("m1")
	require.NotNil(t, persisted)
	require.Equal(t, task.Completed, persisted.Status)
	require.Contains(t, q.Completed(), "m1")
	require.Equal(t, "orders", persisted.Metadata["TopicName"])
}

func TestTickHandlerFailureDeadLettersMessage(t *testing.T) {
	q := inmemory.New("orders")
	q.Publish("bad payload", map[string]string{"messageId": "m2"})

	repo := newFakeRepo()
	handler := func(ctx context.Context, tk *task.Task) error { return errors.New("handler exploded") }
	loop := New(q, repo, handler, testIngesterConfig(), quietLogger())

	m, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, m.Failure)

	persisted := repo.get("m2")
	require.Equal(t, task.Failed, persisted.Status)

	dead := q.DeadLettered()
	require.Len(t, dead, 1)
	require.Equal(t, "m2", dead[0].Message.MessageID)
}

func TestTickHandlerFailureAbandonsWhenDeadLetterDisabled(t *testing.T) {
	q := inmemory.New("orders")
	q.Publish("bad payload", map[string]string{"messageId": "m3"})

	repo := newFakeRepo()
	handler := func(ctx context.Context, tk *task.Task) error { return errors.New("handler exploded") }
	cfg := testIngesterConfig()
	cfg.DeadLetterFailedMessages = false
	loop := New(q, repo, handler, cfg, quietLogger())

	_, err := loop.Tick(context.Background())
	require.NoError(t, err)

	require.Empty(t, q.DeadLettered())
	require.Equal(t, 1, q.Pending()) // redelivered
}

func TestTickWithNilHandlerSkipsToStoreAndForward(t *testing.T) {
	q := inmemory.New("orders")
	q.Publish("opaque", map[string]string{"messageId": "m4"})

	repo := newFakeRepo()
	loop := New(q, repo, nil, testIngesterConfig(), quietLogger())

	m, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, m.Success)

	persisted := repo.get("m4")
	require.Equal(t, task.Completed, persisted.Status)
}

func TestTickEmptyQueueReturnsZeroMetrics(t *testing.T) {
	q := inmemory.New("orders")
	repo := newFakeRepo()
	loop := New(q, repo, nil, testIngesterConfig(), quietLogger())

	m, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, m.Total)
}

func TestDuplicateDeliveryUpsertIsIdempotent(t *testing.T) {
	// Crash-before-ack causes redelivery and a
	// harmless idempotent upsert of the same taskId.
	repo := newFakeRepo()

	t1 := task.New("dup-1", "body", task.Processing)
	require.NoError(t, repo.UpsertTask(context.Background(), t1))
	require.NoError(t, repo.UpsertTask(context.Background(), t1))

	require.Equal(t, 2, repo.upsertCalls["dup-1"])
	require.Len(t, repo.tasks, 1)
}
