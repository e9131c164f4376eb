package monitor

import "os"

// Identity names the supervising worker/container. It is attached to every
// outbound telemetry record and never persisted by this module.
type Identity struct {
	WorkerName    string `json:"workerName"`
	ContainerName string `json:"containerName"`
	Environment   string `json:"environment,omitempty"`
}

// Context tags outbound writes with the caller's identity and the transport
// that performed the delivery.
type Context struct {
	Identity      Identity `json:"identity"`
	TransportName string   `json:"transportName"`
}

// IdentityFromEnv builds an Identity from WORKER_NAME, CONTAINER_NAME and
// CONTAINER_ENV, with hostname-based fallbacks so records are attributable
// even in unconfigured environments.
func IdentityFromEnv() Identity {
	id := Identity{
		WorkerName:    os.Getenv("WORKER_NAME"),
		ContainerName: os.Getenv("CONTAINER_NAME"),
		Environment:   os.Getenv("CONTAINER_ENV"),
	}
	if id.WorkerName == "" {
		if h, err := os.Hostname(); err == nil {
			id.WorkerName = h
		} else {
			id.WorkerName = "unknown-worker"
		}
	}
	if id.ContainerName == "" {
		id.ContainerName = id.WorkerName
	}
	return id
}
