// Package sandbox runs workers in isolated containers. The factory only ever
// starts and stops whole containers; everything a worker does inside one
// comes back through the REST API, never through the container boundary.
package sandbox

import "context"

// Spec describes one worker container.
type Spec struct {
	WorkerID string
	Image    string
	Env      []string
	Labels   map[string]string
}

// Runtime creates and tears down worker containers.
type Runtime interface {
	// Create starts a container for the worker and returns the container ID.
	Create(ctx context.Context, spec Spec) (string, error)
	// Stop halts and removes the container. Stopping a container that no
	// longer exists is not an error.
	Stop(ctx context.Context, containerID string) error
}

// LabelWorker marks factory-managed containers with their worker ID.
const LabelWorker = "agent-factory.worker"
