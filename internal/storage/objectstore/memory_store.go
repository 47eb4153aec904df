package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	now     func() time.Time

	// FailPut, when set, is returned by every Put.
	FailPut error
}

type memoryObject struct {
	body []byte
	info ObjectInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryObject{}, now: time.Now}
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s.FailPut != nil {
		return s.FailPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(bucket, key)] = memoryObject{
		body: data,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         hex.EncodeToString(sum[:]),
			ContentType:  contentType,
			LastModified: s.now().UTC(),
		},
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[memoryKey(bucket, key)]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.body)), obj.info, nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[memoryKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return obj.info, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(bucket, key)
	if _, ok := s.objects[k]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, k)
	return nil
}

// Len returns the number of stored objects across buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
