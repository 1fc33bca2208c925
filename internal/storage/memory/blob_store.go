// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Object is a stored snapshot.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore keeps source snapshots in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
}

// NewBlobStore creates a new in-memory blob store. Paths are stored under
// prefix when it is non-empty.
func NewBlobStore(prefix string) *BlobStore {
	return &BlobStore{
		prefix:  strings.Trim(prefix, "/"),
		objects: make(map[string]Object),
	}
}

// PutObject stores a copy of data and returns its URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	key := joinKey(s.prefix, path)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{ContentType: contentType, Data: body}
	return "memory://" + key, nil
}

// Get returns the object stored under uri.
func (s *BlobStore) Get(uri string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[strings.TrimPrefix(uri, "memory://")]
	return obj, ok
}

func joinKey(prefix, path string) string {
	path = strings.TrimLeft(path, "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}
