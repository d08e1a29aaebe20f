package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation for testing.
// It assigns a fresh ETag on every Put so watermark changes can be
// simulated deterministically. Thread-safe.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryObject
	seq   uint64
	now   func() time.Time
}

type memoryObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string]memoryObject),
		now:   time.Now,
	}
}

// SetClock overrides the time source used for LastModified stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Stat returns metadata for an object.
func (m *MemoryStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.blobs[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{
		Key:          key,
		ETag:         obj.etag,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
	}, nil
}

// Get fetches the full content of an object.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent external mutation.
	copied := make([]byte, len(obj.data))
	copy(copied, obj.data)
	return copied, nil
}

// Put writes the full content of an object and bumps its ETag.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)

	m.seq++
	m.blobs[key] = memoryObject{
		data:     copied,
		etag:     fmt.Sprintf("etag-%d", m.seq),
		modified: m.now(),
	}
	return nil
}

// Delete removes every object under the given prefix.
func (m *MemoryStore) Delete(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(m.blobs, key)
		}
	}
	return nil
}

// List returns the keys of all objects under the given prefix, sorted.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.blobs {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
