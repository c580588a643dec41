package bucket

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Snapshot
}

// NewMemory returns an in-process Store suitable for single-instance
// deployments and tests.
func NewMemory() Store {
	return &memoryStore{buckets: make(map[string]map[string]Snapshot)}
}

func (s *memoryStore) Lookup(_ context.Context, bucket, key string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.buckets[bucket]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap, ok := entries[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (s *memoryStore) Put(_ context.Context, bucket, key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	entries, ok := s.buckets[bucket]
	if !ok {
		entries = make(map[string]Snapshot)
		s.buckets[bucket] = entries
	}
	entries[key] = cloneSnapshot(snap)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries, ok := s.buckets[bucket]; ok {
		delete(entries, key)
	}
	return nil
}

func (s *memoryStore) Buckets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) DropBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, bucket)
	return nil
}

func (s *memoryStore) Close(_ context.Context) error {
	return nil
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := Snapshot{
		Status:   in.Status,
		StoredAt: in.StoredAt,
	}
	if len(in.Headers) > 0 {
		out.Headers = in.Headers.Clone()
	}
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
