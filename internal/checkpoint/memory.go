package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps encoded snapshots in process memory. Snapshots are
// stored encoded so callers never share a *task.Task with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]map[int][]byte // task id -> generation -> encoded
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]map[int][]byte)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gens, ok := m.tasks[snap.Task.ID]
	if !ok {
		gens = make(map[int][]byte)
		m.tasks[snap.Task.ID] = gens
	}
	gens[snap.Task.Generation] = data
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, taskID string) (Snapshot, error) {
	m.mu.RLock()
	data, ok := m.latest(taskID)
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return Decode(data)
}

// LoadGeneration returns one specific generation.
func (m *MemoryStore) LoadGeneration(_ context.Context, taskID string, generation int) (Snapshot, error) {
	m.mu.RLock()
	data, ok := m.tasks[taskID][generation]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s generation %d", ErrNotFound, taskID, generation)
	}
	return Decode(data)
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, userID string) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Summary
	for id := range m.tasks {
		data, _ := m.latest(id)
		snap, err := Decode(data)
		if err != nil {
			continue
		}
		if snap.Task.UserID == userID {
			out = append(out, summarize(snap.Task))
		}
	}
	sortSummaries(out)
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// corrupt overwrites the newest generation with raw bytes. Used by tests.
func (m *MemoryStore) corrupt(taskID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gens := m.tasks[taskID]
	best := -1
	for g := range gens {
		if g > best {
			best = g
		}
	}
	if best >= 0 {
		gens[best] = data
	}
}

func (m *MemoryStore) latest(taskID string) ([]byte, bool) {
	gens, ok := m.tasks[taskID]
	if !ok || len(gens) == 0 {
		return nil, false
	}
	best := -1
	for g := range gens {
		if g > best {
			best = g
		}
	}
	return gens[best], true
}
