package bucket

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Snapshot is a captured origin response: status, headers, and body, exactly
// as they should be replayed to a future request. Headers keep every value of
// multi-valued fields.
type Snapshot struct {
	Status   int         `json:"status"`
	Headers  http.Header `json:"headers,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Key derives the request identity a snapshot is stored under. Method and URL
// together identify a cache entry; only GETs are ever stored, but the method
// stays in the key so the invariant is visible in the data.
func Key(method, url string) string {
	return fmt.Sprintf("%s %s", method, url)
}

// Store is a set of named buckets, each holding key->snapshot pairs. Per-key
// operations are atomic; there are no multi-key transactions.
type Store interface {
	Lookup(ctx context.Context, bucket, key string) (Snapshot, bool, error)
	Put(ctx context.Context, bucket, key string, snap Snapshot) error
	Delete(ctx context.Context, bucket, key string) error
	Buckets(ctx context.Context) ([]string, error)
	DropBucket(ctx context.Context, bucket string) error
	Close(ctx context.Context) error
}
