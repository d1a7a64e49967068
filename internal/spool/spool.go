// Package spool keeps the bytes of already-downloaded chunks so a resumed download does not
// fetch them again.
package spool

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Cache buffers chunk bytes per task.
type Cache interface {
	Put(ctx context.Context, taskID string, index int64, data []byte) error
	// Chunks returns every buffered chunk of taskID, keyed by index.
	Chunks(ctx context.Context, taskID string) (map[int64][]byte, error)
	// Remove drops every chunk of taskID. Removing an unknown task is not an error.
	Remove(ctx context.Context, taskID string) error
}

// Memory is a process-local Cache. It does not survive a restart.
type Memory struct {
	mu     sync.Mutex
	chunks map[string]map[int64][]byte
}

var _ Cache = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{chunks: make(map[string]map[int64][]byte)}
}

func (m *Memory) Put(_ context.Context, taskID string, index int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chunks[taskID] == nil {
		m.chunks[taskID] = make(map[int64][]byte)
	}

	m.chunks[taskID][index] = slices.Clone(data)

	return nil
}

func (m *Memory) Chunks(_ context.Context, taskID string) (map[int64][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.chunks[taskID]), nil
}

func (m *Memory) Remove(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.chunks, taskID)

	return nil
}
