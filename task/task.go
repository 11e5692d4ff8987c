// Package task defines the canonical Task record and its status model.
// Tasks are immutable from the perspective of consumers outside the
// ledger package: every field mutation flows through
// ledger.Repository's version-guarded methods.
package task

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DefaultMaxRetries is the worker retry budget per task.
const DefaultMaxRetries = 3

// Task is the single mutable entity of the ledger: one record per
// logical work item, unique by TaskID.
type Task struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	TaskID     string             `bson:"taskId" json:"taskId"`
	Body       string             `bson:"body" json:"body"`
	Status     Status             `bson:"status" json:"status"`
	Version    int64              `bson:"version" json:"version"`
	RetryCount int                `bson:"retryCount" json:"retryCount"`

	WorkerPodID   string     `bson:"workerPodId,omitempty" json:"workerPodId,omitempty"`
	WorkerNodeID  string     `bson:"workerNodeId,omitempty" json:"workerNodeId,omitempty"`
	LastHeartbeat *time.Time `bson:"lastHeartbeat,omitempty" json:"lastHeartbeat,omitempty"`
	LockedAt      *time.Time `bson:"lockedAt,omitempty" json:"lockedAt,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	ProcessedAt *time.Time `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	FailedAt    *time.Time `bson:"failedAt,omitempty" json:"failedAt,omitempty"`

	ErrorMessage string            `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	Metadata     map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// New builds a fresh Task ready for insertion: version 1, zero retries,
// createdAt/updatedAt stamped to now.
func New(taskID, body string, status Status) *Task {
	now := time.Now().UTC()
	return &Task{
		TaskID:    taskID,
		Body:      body,
		Status:    status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
}

// IsTerminal reports whether the task's current status is a terminal
// resting state (see IsTerminal).
func (t *Task) IsTerminal() bool {
	return IsTerminal(t.Status)
}

// MarshalBSONValue encodes Status as its wire-format string name so
// the persisted document keeps status stored as a readable string
// rather than a numeric code.
func (s Status) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(s.String())
}

// UnmarshalBSONValue decodes a wire-format status name back into its
// numeric code.
func (s *Status) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var name string
	raw := bson.RawValue{Type: t, Value: data}
	if err := raw.Unmarshal(&name); err != nil {
		return err
	}
	v, ok := ParseStatus(name)
	if !ok {
		v = Pending
	}
	*s = v
	return nil
}
