package compliance

import (
	"context"
	"slices"
	"sync"
)

// RelationshipResolver returns the workers assigned to a client. The gate
// uses the answer to decide PII and PHI access.
type RelationshipResolver interface {
	AssignedWorkers(ctx context.Context, clientID string) ([]string, error)
}

// Assignments manages care assignments.
type Assignments interface {
	RelationshipResolver
	Assign(ctx context.Context, clientID, workerID string) error
	Unassign(ctx context.Context, clientID, workerID string) error
}

// MemoryRelationships is an in-process RelationshipResolver.
type MemoryRelationships struct {
	mu          sync.RWMutex
	assignments map[string][]string
}

// NewMemoryRelationships creates an empty resolver.
func NewMemoryRelationships() *MemoryRelationships {
	return &MemoryRelationships{assignments: make(map[string][]string)}
}

// Assign records workerID as assigned to clientID.
func (m *MemoryRelationships) Assign(_ context.Context, clientID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.assignments[clientID], workerID) {
		m.assignments[clientID] = append(m.assignments[clientID], workerID)
	}
	return nil
}

// Unassign removes an assignment.
func (m *MemoryRelationships) Unassign(_ context.Context, clientID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[clientID] = slices.DeleteFunc(m.assignments[clientID], func(w string) bool { return w == workerID })
	return nil
}

func (m *MemoryRelationships) AssignedWorkers(_ context.Context, clientID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.assignments[clientID]), nil
}
