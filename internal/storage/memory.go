package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore garde les reçus en mémoire
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	maxBytes int64
}

func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), maxBytes: maxBytes}
}

func (s *MemoryStore) Put(_ context.Context, u Upload) (string, error) {
	ext, err := ValidateUpload(u, s.maxBytes)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, u.Body); err != nil {
		return "", err
	}
	key := ObjectKey(u.UserID, ext, time.Now())

	s.mu.Lock()
	s.objects[key] = buf.Bytes()
	s.mu.Unlock()
	return key, nil
}

func (s *MemoryStore) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", nil
	}
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("objet introuvable: %s", key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int64(ttl.Seconds())), nil
}

func (s *MemoryStore) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[key]
	return b, ok
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
