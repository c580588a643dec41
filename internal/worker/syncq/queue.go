package syncq

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyRecord rejects enqueue attempts that carry no replayable request.
var ErrEmptyRecord = errors.New("syncq: record requires url and method")

// Record is a persisted description of a mutating request that could not be
// completed while offline. Records are created once, deleted after a
// confirmed replay, and never mutated in place.
type Record struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// Queue durably stores sync records until their mutations are confirmed
// delivered. Pending returns records in FIFO enqueue order.
type Queue interface {
	Enqueue(ctx context.Context, rec Record) (Record, error)
	Pending(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// normalizeRecord stamps identity and enqueue time onto a record the page
// submitted without them.
func normalizeRecord(rec Record) (Record, error) {
	rec.URL = strings.TrimSpace(rec.URL)
	rec.Method = strings.ToUpper(strings.TrimSpace(rec.Method))
	if rec.URL == "" || rec.Method == "" {
		return Record{}, ErrEmptyRecord
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}
	return rec, nil
}

// sortFIFO orders records by enqueue time, breaking ties on ID so replay
// order stays deterministic.
func sortFIFO(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].EnqueuedAt.Equal(records[j].EnqueuedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].EnqueuedAt.Before(records[j].EnqueuedAt)
	})
}

func cloneRecord(in Record) Record {
	out := Record{
		ID:         in.ID,
		URL:        in.URL,
		Method:     in.Method,
		EnqueuedAt: in.EnqueuedAt,
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
