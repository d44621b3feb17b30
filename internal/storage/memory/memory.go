// Package memory provides an in-process storage.Backend for tests and local development.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/ids"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

// Store implements storage.Backend in memory.
type Store struct {
	mu     sync.RWMutex
	objs   map[string]*objectEntry
	sorted []string
	now    func() time.Time
	closed bool
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objs: make(map[string]*objectEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close drops every stored object.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.objs = make(map[string]*objectEntry)
	s.sorted = nil
	return nil
}

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

// ListObjects returns objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.sorted
	start := sort.SearchStrings(keys, opts.Prefix)
	if opts.StartAfter != "" {
		if idx := sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter }); idx > start {
			start = idx
		}
	}
	result := &storage.ListResult{}
	for idx := start; idx < len(keys); idx++ {
		key := keys[idx]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, s.objs[key].info(key))
	}
	return result, nil
}

// GetObject returns the payload stored at key.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := entry.info(key)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   &info,
	}, nil
}

// PutObject stores or replaces key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	}
	next := &objectEntry{
		payload:     payload,
		etag:        ids.NewETag(),
		contentType: opts.ContentType,
		updated:     s.now(),
	}
	s.objs[key] = next
	if !exists {
		idx := sort.SearchStrings(s.sorted, key)
		s.sorted = append(s.sorted, "")
		copy(s.sorted[idx+1:], s.sorted[idx:])
		s.sorted[idx] = key
	}
	info := next.info(key)
	return &info, nil
}

// DeleteObject removes key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	idx := sort.SearchStrings(s.sorted, key)
	if idx < len(s.sorted) && s.sorted[idx] == key {
		s.sorted = append(s.sorted[:idx], s.sorted[idx+1:]...)
	}
	return nil
}

func (e *objectEntry) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}
