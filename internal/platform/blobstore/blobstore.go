// Package blobstore stores generated files such as analytics exports. It
// defines the Store interface with an in-memory implementation for tests and
// development and an S3 implementation for deployments.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrMissingKey = errors.New("object key is required")
	ErrTooLarge   = errors.New("object exceeds maximum allowed size")
)

// MaxObjectSize bounds a single stored object (32 MB).
const MaxObjectSize = 32 * 1024 * 1024

type Object struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	Put(ctx context.Context, obj Object, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
}

// readLimited reads content up to MaxObjectSize and fills Size and Hash.
func readLimited(obj *Object, content io.Reader) ([]byte, error) {
	if obj.Key == "" {
		return nil, ErrMissingKey
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, ErrTooLarge
	}
	sum := sha256.Sum256(data)
	obj.Size = int64(len(data))
	obj.Hash = fmt.Sprintf("%x", sum)
	return data, nil
}

type memoryObject struct {
	meta Object
	data []byte
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memoryObject), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, obj Object, content io.Reader) (*Object, error) {
	data, err := readLimited(&obj, content)
	if err != nil {
		return nil, err
	}
	obj.CreatedAt = s.now().UTC()

	s.mu.Lock()
	s.objects[obj.Key] = &memoryObject{meta: obj, data: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	o, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := o.meta
	return io.NopCloser(bytes.NewReader(o.data)), &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
