// Package identity computes the stable worker identity string each
// worker process derives at startup.
package identity

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Identity is the {nodeName}-{podName}-{instanceId} triple that forms a
// worker's workerId.
type Identity struct {
	NodeName   string
	PodName    string
	InstanceID string
}

// FromEnv reads NODE_NAME, POD_NAME, INSTANCE_ID, substituting
// "unknown-node"/"unknown-pod"/a fresh UUID for whatever is missing.
func FromEnv() Identity {
	return Identity{
		NodeName:   envOrDefault("NODE_NAME", "unknown-node"),
		PodName:    envOrDefault("POD_NAME", "unknown-pod"),
		InstanceID: envOrDefault("INSTANCE_ID", uuid.NewString()),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// WorkerID renders the identity as the wire-format workerId.
func (id Identity) WorkerID() string {
	return fmt.Sprintf("%s-%s-%s", id.NodeName, id.PodName, id.InstanceID)
}
