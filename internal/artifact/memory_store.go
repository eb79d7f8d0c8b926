package artifact

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
	content []byte
	info    Object
}

// MemoryStore keeps objects in process. Tests and single-host runs use it.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), now: time.Now}
}

func (s *MemoryStore) Upload(_ context.Context, key string, r io.Reader, size int64) (Object, error) {
	key = normalizeKey(key)
	if key == "" {
		return Object{}, fmt.Errorf("key is required")
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", key, err)
	}
	if size >= 0 && n != size {
		return Object{}, fmt.Errorf("upload %s: got %d bytes, want %d", key, n, size)
	}
	sum := md5.Sum(buf.Bytes())
	obj := memoryObject{
		content: buf.Bytes(),
		info:    Object{Key: key, Size: n, ETag: hex.EncodeToString(sum[:]), ModTime: s.now().UTC()},
	}
	s.mu.Lock()
	s.objects[key] = obj
	s.mu.Unlock()
	return obj.info, nil
}

func (s *MemoryStore) Download(_ context.Context, key string, w io.Writer) (Object, error) {
	obj, err := s.lookup(key)
	if err != nil {
		return Object{}, err
	}
	if _, err := w.Write(obj.content); err != nil {
		return Object{}, err
	}
	return obj.info, nil
}

func (s *MemoryStore) Stat(_ context.Context, key string) (Object, error) {
	obj, err := s.lookup(key)
	if err != nil {
		return Object{}, err
	}
	return obj.info, nil
}

func (s *MemoryStore) lookup(key string) (memoryObject, error) {
	key = normalizeKey(key)
	if key == "" {
		return memoryObject{}, fmt.Errorf("key is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return memoryObject{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return obj, nil
}
