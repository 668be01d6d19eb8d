package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// MockRuntime is an in-memory Runtime for testing.
type MockRuntime struct {
	mu sync.RWMutex

	// Running tracks containers by ID.
	Running map[string]Spec

	// Tracking calls for assertions
	Created []Spec
	Stopped []string

	// Configurable behavior
	CreateError error
	StopError   error
}

// NewMockRuntime creates a new mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{Running: make(map[string]Spec)}
}

// Create implements Runtime.
func (m *MockRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateError != nil {
		return "", m.CreateError
	}

	id := fmt.Sprintf("container-%d", len(m.Created)+1)
	m.Created = append(m.Created, spec)
	m.Running[id] = spec
	return id, nil
}

// Stop implements Runtime. Unknown container IDs succeed, matching the real
// runtime's tolerance for already-removed containers.
func (m *MockRuntime) Stop(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StopError != nil {
		return m.StopError
	}

	delete(m.Running, containerID)
	m.Stopped = append(m.Stopped, containerID)
	return nil
}

// RunningCount returns the number of containers not yet stopped.
func (m *MockRuntime) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Running)
}

// Reset clears all mock state.
func (m *MockRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Running = make(map[string]Spec)
	m.Created = nil
	m.Stopped = nil
	m.CreateError = nil
	m.StopError = nil
}
