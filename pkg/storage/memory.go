package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data     []byte
	modified time.Time
}

// MemoryStorage keeps blobs in process memory, for tests and single-process
// development.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject), now: time.Now}
}

func (m *MemoryStorage) Store(_ context.Context, reader io.Reader, key string, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, modified: m.now()}
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) CleanupBefore(ctx context.Context, threshold time.Time, keep func(ctx context.Context, key string) bool) error {
	m.mu.RLock()
	var expired []string
	for k, obj := range m.objects {
		if obj.modified.Before(threshold) {
			expired = append(expired, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range expired {
		if keep != nil && keep(ctx, k) {
			continue
		}
		_ = m.Delete(ctx, k)
	}
	return nil
}

func (m *MemoryStorage) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}
