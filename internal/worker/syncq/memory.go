package syncq

import (
	"context"
	"sync"
)

type memoryQueue struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns an in-process Queue for single-instance deployments and
// tests.
func NewMemory() Queue {
	return &memoryQueue{records: make(map[string]Record)}
}

func (q *memoryQueue) Enqueue(_ context.Context, rec Record) (Record, error) {
	normalized, err := normalizeRecord(rec)
	if err != nil {
		return Record{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records[normalized.ID] = cloneRecord(normalized)
	return normalized, nil
}

func (q *memoryQueue) Pending(_ context.Context) ([]Record, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	records := make([]Record, 0, len(q.records))
	for _, rec := range q.records {
		records = append(records, cloneRecord(rec))
	}
	sortFIFO(records)
	return records, nil
}

func (q *memoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.records, id)
	return nil
}

func (q *memoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return int64(len(q.records)), nil
}

func (q *memoryQueue) Close(_ context.Context) error {
	return nil
}
