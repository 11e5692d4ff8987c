// Package ledger is the data layer exposing atomic Task state
// transitions against MongoDB: insert/upsert,
// version-guarded status updates, atomic acquire-if-available, stalled
// task discovery, and requeue. Every mutation is either a single atomic
// find-and-modify or a compare-and-set keyed by (taskId, version); the
// repository never holds a transaction open across task processing.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ahmads7/taskledger/task"
)

const collectionName = "tasks"

// Config binds the repository to a MongoDB deployment.
type Config struct {
	ConnectionString string
	DatabaseName     string
	ConnectTimeout   time.Duration
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout
}

// Repository is the coordination fabric backing the task ledger. The
// zero value is not usable; construct with New and call Initialize
// before issuing any other operation.
type Repository struct {
	cfg    Config
	client *mongo.Client
	coll   *mongo.Collection
	log    logrus.FieldLogger
}

// New builds a Repository bound to cfg. It does not touch the network;
// call Initialize to connect and ensure indexes.
func New(cfg Config, log logrus.FieldLogger) *Repository {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Repository{cfg: cfg, log: log.WithField("component", "ledger")}
}

// Initialize connects to MongoDB, binds the tasks collection, and
// ensures the unique ascending index on taskId. It fails with
// ErrInitialization if the index cannot be built or the server is
// unreachable within cfg.ConnectTimeout.
func (r *Repository) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.connectTimeout())
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(r.cfg.ConnectionString))
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrInitialization, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrInitialization, err)
	}

	coll := client.Database(r.cfg.DatabaseName).Collection(collectionName)
	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "taskId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		return fmt.Errorf("%w: index: %v", ErrInitialization, err)
	}

	r.client = client
	r.coll = coll
	r.log.Info("ledger initialized")
	return nil
}

// Close disconnects the underlying MongoDB client.
func (r *Repository) Close(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}

// Ping is the liveness probe used by health checks. It fails with
// ErrDatabaseUnavailable if the server is unreachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	return nil
}

// UpsertTask inserts t if no document with t.TaskID exists, else
// replaces the entire document. On insert, a missing ID is generated,
// createdAt is stamped, and the provided version (default 1) is
// preserved. On replace, updatedAt is stamped but version is left
// untouched — this operation sits outside the optimistic-concurrency
// scheme; it exists for the ingester's outbox-style persist and for
// test fixtures.
func (r *Repository) UpsertTask(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	if t.Version == 0 {
		t.Version = 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	filter := bson.M{"taskId": t.TaskID}
	opts := options.Replace().SetUpsert(true)
	_, err := r.coll.ReplaceOne(ctx, filter, t, opts)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			r.log.WithField("taskId", t.TaskID).Warn("duplicate key on upsert, treating as success")
			return ErrDuplicateKey
		}
		return r.wrapErr("UpsertTask", err)
	}
	return nil
}

// GetByTaskId looks up a single task by its business key. It returns
// (nil, nil) when no document matches.
func (r *Repository) GetByTaskId(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	err := r.coll.FindOne(ctx, bson.M{"taskId": taskID}).Decode(&t)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, r.wrapErr("GetByTaskId", err)
	}
	return &t, nil
}

// TryAcquireTask is the core scheduling primitive: it
// atomically finds the oldest document in fromStatus that is either
// unowned or stale, and swaps it into toStatus under workerID. It
// returns (nil, nil) when nothing matches; two concurrent callers with
// the same arguments are guaranteed to see at most one success because
// the find-and-modify is a single atomic server-side operation.
func (r *Repository) TryAcquireTask(ctx context.Context, fromStatus, toStatus task.Status, workerID string, staleTaskTimeout time.Duration, heartbeatNow time.Time) (*task.Task, error) {
	staleBefore := heartbeatNow.Add(-staleTaskTimeout)
	filter := bson.M{
		"status": fromStatus.String(),
		"$or": []bson.M{
			{"workerPodId": bson.M{"$exists": false}},
			{"workerPodId": ""},
			{"lastHeartbeat": bson.M{"$lt": staleBefore}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":        toStatus.String(),
			"workerPodId":   workerID,
			"lastHeartbeat": heartbeatNow,
			"lockedAt":      time.Now().UTC(),
			"updatedAt":     time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	var t task.Task
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&t)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, r.wrapErr("TryAcquireTask", err)
	}
	return &t, nil
}

// statusTimestampField returns the witness timestamp field a transition
// into status sets, or "" if the status has none.
func statusTimestampField(status task.Status) string {
	switch status {
	case task.Processing:
		return "processedAt"
	case task.Completed:
		return "completedAt"
	case task.Failed:
		return "failedAt"
	}
	return ""
}

// UpdateStatusIfVersionMatches is the compare-and-set on (taskId,
// version) guarded by optimistic concurrency. It returns true iff
// exactly one document was modified.
func (r *Repository) UpdateStatusIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus task.Status) (bool, error) {
	return r.updateStatusIfVersionMatches(ctx, taskID, expectedVersion, newStatus, nil, false)
}

// UpdateStatusAndErrorIfVersionMatches is UpdateStatusIfVersionMatches
// plus an atomic errorMessage set.
func (r *Repository) UpdateStatusAndErrorIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus task.Status, errorMessage string) (bool, error) {
	return r.updateStatusIfVersionMatches(ctx, taskID, expectedVersion, newStatus, &errorMessage, false)
}

// IncrementRetryCountIfVersionMatches bumps retryCount by one alongside
// the status/error transition: retryCount is bumped explicitly as part
// of the retry branch of worker failure handling rather than left
// implicit.
func (r *Repository) IncrementRetryCountIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus task.Status, errorMessage string) (bool, error) {
	return r.updateStatusIfVersionMatches(ctx, taskID, expectedVersion, newStatus, &errorMessage, true)
}

func (r *Repository) updateStatusIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus task.Status, errorMessage *string, incrementRetry bool) (bool, error) {
	filter := bson.M{"taskId": taskID, "version": expectedVersion}
	set := bson.M{
		"status":    newStatus.String(),
		"updatedAt": time.Now().UTC(),
	}
	if field := statusTimestampField(newStatus); field != "" {
		set[field] = time.Now().UTC()
	}
	if errorMessage != nil {
		set["errorMessage"] = *errorMessage
	}
	inc := bson.M{"version": 1}
	if incrementRetry {
		inc["retryCount"] = 1
	}
	update := bson.M{"$set": set, "$inc": inc}

	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, r.wrapErr("UpdateStatusIfVersionMatches", err)
	}
	return res.ModifiedCount == 1, nil
}

// UpdateHeartbeatIfVersionMatches refreshes lastHeartbeat for the
// worker that currently owns the task. A worker may not
// refresh another worker's lock: the filter additionally requires
// workerPodId == workerID.
func (r *Repository) UpdateHeartbeatIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, workerID string, heartbeat time.Time) (bool, error) {
	filter := bson.M{"taskId": taskID, "version": expectedVersion, "workerPodId": workerID}
	update := bson.M{
		"$set": bson.M{"lastHeartbeat": heartbeat, "updatedAt": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, r.wrapErr("UpdateHeartbeatIfVersionMatches", err)
	}
	return res.ModifiedCount == 1, nil
}

// TryUpdateTaskStatus is a convenience read-then-CAS helper: it reads
// the current version, then issues the guarded update. It is NOT
// atomic across the read and the write; callers that need
// strict linearizability must call UpdateStatusIfVersionMatches
// directly with a version they already hold.
func (r *Repository) TryUpdateTaskStatus(ctx context.Context, taskID string, newStatus task.Status) (bool, error) {
	current, err := r.GetByTaskId(ctx, taskID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, ErrTaskNotFound
	}
	return r.UpdateStatusIfVersionMatches(ctx, taskID, current.Version, newStatus)
}

// GetStalledTasks returns Running tasks whose heartbeat has expired,
// applying a self/foreign amplification: a
// self-owned task is stale past threshold, a foreign-owned task past
// 2*threshold (a grace period for the original owner). Results are
// sorted by lastHeartbeat ascending.
func (r *Repository) GetStalledTasks(ctx context.Context, threshold time.Duration, selfWorkerID string) ([]*task.Task, error) {
	now := time.Now().UTC()
	selfCutoff := now.Add(-threshold)
	foreignCutoff := now.Add(-2 * threshold)

	filter := bson.M{
		"status": task.Running.String(),
		"$or": []bson.M{
			{"workerPodId": selfWorkerID, "lastHeartbeat": bson.M{"$lt": selfCutoff}},
			{"workerPodId": bson.M{"$ne": selfWorkerID}, "lastHeartbeat": bson.M{"$lt": foreignCutoff}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "lastHeartbeat", Value: 1}})

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, r.wrapErr("GetStalledTasks", err)
	}
	defer cur.Close(ctx)

	var tasks []*task.Task
	for cur.Next(ctx) {
		var t task.Task
		if err := cur.Decode(&t); err != nil {
			return nil, r.wrapErr("GetStalledTasks", err)
		}
		tasks = append(tasks, &t)
	}
	if err := cur.Err(); err != nil {
		return nil, r.wrapErr("GetStalledTasks", err)
	}
	return tasks, nil
}

// RequeueTask is a single atomic conditional update that matches only a
// Running document, clears ownership fields, and moves it to
// newStatus with reason recorded as errorMessage. It returns true iff
// this call won the race to recover the task.
func (r *Repository) RequeueTask(ctx context.Context, taskID string, newStatus task.Status, reason string) (bool, error) {
	filter := bson.M{"taskId": taskID, "status": task.Running.String()}
	update := bson.M{
		"$set": bson.M{
			"status":       newStatus.String(),
			"errorMessage": reason,
			"updatedAt":    time.Now().UTC(),
		},
		"$unset": bson.M{
			"workerPodId":   "",
			"workerNodeId":  "",
			"lastHeartbeat": "",
			"lockedAt":      "",
		},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, r.wrapErr("RequeueTask", err)
	}
	return res.ModifiedCount == 1, nil
}

// wrapErr translates driver-level connection/timeout errors to
// ErrDatabaseOperation; callers above the repository never pattern
// match on driver types.
func (r *Repository) wrapErr(op string, err error) error {
	r.log.WithError(err).WithField("op", op).Error("ledger operation failed")
	return fmt.Errorf("%w: %s: %v", ErrDatabaseOperation, op, err)
}
