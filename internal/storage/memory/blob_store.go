package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type blob struct {
	data        []byte
	contentType string
	storedAt    time.Time
}

// BlobStore keeps diagnostic dumps in memory.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
	now   func() time.Time
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		blobs: make(map[string]blob),
		now:   time.Now,
	}
}

// PutObject stores a copy of data and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	s.blobs[path] = blob{data: body, contentType: contentType, storedAt: s.now()}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of the stored body.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b.data...), true
}

// Keys lists stored paths in lexical order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Prune drops objects stored before cutoff.
func (s *BlobStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, b := range s.blobs {
		if b.storedAt.Before(cutoff) {
			delete(s.blobs, k)
			removed++
		}
	}
	return removed, nil
}
