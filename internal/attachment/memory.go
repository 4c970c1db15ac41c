// ABOUTME: In-process attachment backend
// ABOUTME: A read lock serves the common already-cached path

package attachment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend keeps attachments in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	ids   map[Key]string
	blobs map[string]Blob
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		ids:   make(map[Key]string),
		blobs: make(map[string]Blob),
	}
}

func (m *MemoryBackend) Intern(ctx context.Context, key Key, blob Blob) (string, error) {
	m.mu.RLock()
	id, ok := m.ids[key]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[key]; ok {
		return id, nil
	}
	id = uuid.New().String()
	m.ids[key] = id
	m.blobs[id] = Blob{Data: append([]byte(nil), blob.Data...), MimeType: blob.MimeType}
	return id, nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryBackend) Close() error { return nil }
