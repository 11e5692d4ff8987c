package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestIsTerminal(t *testing.T) {
	cases := map[Status]bool{
		Pending:    false,
		Processing: false,
		Queued:     false,
		Assigned:   false,
		Running:    false,
		Succeeded:  true,
		Failed:     true,
		Cancelled:  true,
		Archived:   true,
		Deleted:    true,
	}
	for status, want := range cases {
		assert.Equalf(t, want, IsTerminal(status), "status %s", status)
	}
}

func TestRequiresOwner(t *testing.T) {
	assert.True(t, RequiresOwner(Assigned))
	assert.True(t, RequiresOwner(Running))
	assert.False(t, RequiresOwner(Queued))
	assert.False(t, RequiresOwner(Succeeded))
}

func TestStatusRoundTripsThroughBSONAsName(t *testing.T) {
	type wrapper struct {
		Status Status `bson:"status"`
	}

	data, err := bson.Marshal(wrapper{Status: Running})
	assert.NoError(t, err)

	var raw bson.M
	assert.NoError(t, bson.Unmarshal(data, &raw))
	assert.Equal(t, "Running", raw["status"])

	var out wrapper
	assert.NoError(t, bson.Unmarshal(data, &out))
	assert.Equal(t, Running, out.Status)
}

func TestParseStatusRejectsUnknownName(t *testing.T) {
	_, ok := ParseStatus("NotARealStatus")
	assert.False(t, ok)
}

func TestNewTaskStartsAtVersionOne(t *testing.T) {
	tk := New("t1", "hello", Pending)
	assert.Equal(t, int64(1), tk.Version)
	assert.Equal(t, 0, tk.RetryCount)
	assert.False(t, tk.IsTerminal())
}
