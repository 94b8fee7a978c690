package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	meta Object
	data []byte
}

// MemoryStore is a concurrency-safe BlobStore held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memoryObject)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, r io.Reader, size int64) (*Object, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("object %s: expected %d bytes, read %d", key, size, len(data))
	}
	sum := md5.Sum(data)
	meta := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		ETag:        hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.objects[key] = &memoryObject{meta: meta, data: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.data)), &meta, nil
}

func (s *MemoryStore) PresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
