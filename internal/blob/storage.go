// Package blob is the object-storage boundary: proof photos and GDPR export
// artifacts live behind the Storage contract, with Supabase storage in
// production and an in-memory implementation for tests and local dev.
package blob

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

// Storage is the minimal object contract the core needs. Keys are
// slash-separated paths inside a bucket; Put overwrites.
type Storage interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	SignedURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (string, error)
}

// Memory keeps objects in a map. Tests and local dev only.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte // bucket/key
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[bucket+"/"+key] = cp
	return nil
}

func (m *Memory) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, domain.Ef(domain.CodeNotFound, "object %s/%s not found", bucket, key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) SignedURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[bucket+"/"+key]; !ok {
		return "", domain.Ef(domain.CodeNotFound, "object %s/%s not found", bucket, key)
	}
	return fmt.Sprintf("memory://%s/%s?expires_in=%d", bucket, key, int(expiresIn.Seconds())), nil
}

// Keys lists stored object paths, sorted. Test helper.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
