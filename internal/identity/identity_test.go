package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvSubstitutesDefaults(t *testing.T) {
	t.Setenv("NODE_NAME", "")
	t.Setenv("POD_NAME", "")
	t.Setenv("INSTANCE_ID", "")

	id := FromEnv()
	assert.Equal(t, "unknown-node", id.NodeName)
	assert.Equal(t, "unknown-pod", id.PodName)
	assert.NotEmpty(t, id.InstanceID)
}

func TestWorkerIDFormat(t *testing.T) {
	id := Identity{NodeName: "node-1", PodName: "pod-7", InstanceID: "abc"}
	assert.Equal(t, "node-1-pod-7-abc", id.WorkerID())
}
