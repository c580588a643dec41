package syncq

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	valkey "github.com/valkey-io/valkey-go"
)

func TestMemoryQueueEnqueueNormalizes(t *testing.T) {
	queue := NewMemory()
	ctx := context.Background()

	stored, err := queue.Enqueue(ctx, Record{
		URL:    "http://origin.local/api/cart/add",
		Method: "post",
		Body:   []byte(`{"product_id":3,"quantity":1}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if stored.ID == "" {
		t.Fatalf("expected generated record id")
	}
	if stored.Method != "POST" {
		t.Fatalf("expected method uppercased, got %q", stored.Method)
	}
	if stored.EnqueuedAt.IsZero() {
		t.Fatalf("expected enqueue timestamp")
	}

	length, err := queue.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected one queued record, got %d", length)
	}
}

func TestMemoryQueueRejectsEmptyRecord(t *testing.T) {
	queue := NewMemory()
	if _, err := queue.Enqueue(context.Background(), Record{Method: "POST"}); err == nil {
		t.Fatalf("expected empty record rejection")
	}
	if _, err := queue.Enqueue(context.Background(), Record{URL: "http://origin.local/api/cart/add"}); err == nil {
		t.Fatalf("expected missing method rejection")
	}
}

func TestMemoryQueuePendingFIFO(t *testing.T) {
	queue := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, path := range []string{"/api/cart/add", "/api/cart/update", "/api/cart/remove"} {
		_, err := queue.Enqueue(ctx, Record{
			ID:         path,
			URL:        "http://origin.local" + path,
			Method:     "POST",
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", path, err)
		}
	}

	pending, err := queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected three pending records, got %d", len(pending))
	}
	for i, want := range []string{"/api/cart/add", "/api/cart/update", "/api/cart/remove"} {
		if pending[i].ID != want {
			t.Fatalf("expected record %d to be %q, got %q", i, want, pending[i].ID)
		}
	}

	if err := queue.Delete(ctx, "/api/cart/update"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pending, err = queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after delete: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "/api/cart/add" || pending[1].ID != "/api/cart/remove" {
		t.Fatalf("unexpected pending set after delete: %#v", pending)
	}
}

func TestMemoryQueueCloneIsolation(t *testing.T) {
	queue := NewMemory()
	ctx := context.Background()

	stored, err := queue.Enqueue(ctx, Record{
		URL:     "http://origin.local/api/cart/add",
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"product_id":3}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stored.Body[0] = 'X'
	stored.Headers["Content-Type"] = "text/plain"

	pending, err := queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if string(pending[0].Body) != `{"product_id":3}` {
		t.Fatalf("expected stored body untouched, got %q", pending[0].Body)
	}
	if pending[0].Headers["Content-Type"] != "application/json" {
		t.Fatalf("expected stored headers untouched, got %v", pending[0].Headers)
	}
}

func TestRedisQueueRoundTrip(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{server.Addr()},
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		t.Fatalf("valkey client: %v", err)
	}

	ctx := context.Background()
	queue := NewRedis(client, true)
	defer func() { _ = queue.Close(ctx) }()

	first, err := queue.Enqueue(ctx, Record{
		URL:        "http://origin.local/api/cart/add",
		Method:     "POST",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"product_id":3,"quantity":2}`),
		EnqueuedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := queue.Enqueue(ctx, Record{
		URL:        "http://origin.local/api/cart/remove",
		Method:     "POST",
		EnqueuedAt: time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	length, err := queue.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if length != 2 {
		t.Fatalf("expected two queued records, got %d", length)
	}

	pending, err := queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("unexpected pending order: %#v", pending)
	}
	if pending[0].Headers["Content-Type"] != "application/json" {
		t.Fatalf("expected headers to survive the round trip, got %v", pending[0].Headers)
	}
	if string(pending[0].Body) != `{"product_id":3,"quantity":2}` {
		t.Fatalf("expected body to survive the round trip, got %q", pending[0].Body)
	}

	if err := queue.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pending, err = queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after delete: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("unexpected pending set after delete: %#v", pending)
	}
}
