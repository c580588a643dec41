package syncq

import (
	"context"
	"encoding/json"
	"fmt"

	valkey "github.com/valkey-io/valkey-go"
)

const redisRecordsKey = "edgeworker:sync:records"

type redisQueue struct {
	client valkey.Client
	owned  bool
}

// NewRedis returns a Queue backed by a redis-compatible server. The client is
// shared with the other redis-backed stores; pass owned=true when this queue
// should close it.
func NewRedis(client valkey.Client, owned bool) Queue {
	return &redisQueue{client: client, owned: owned}
}

func (q *redisQueue) Enqueue(ctx context.Context, rec Record) (Record, error) {
	normalized, err := normalizeRecord(rec)
	if err != nil {
		return Record{}, err
	}
	payload, err := json.Marshal(normalized)
	if err != nil {
		return Record{}, fmt.Errorf("syncq: redis marshal: %w", err)
	}
	cmd := q.client.B().Hset().Key(redisRecordsKey).FieldValue().FieldValue(normalized.ID, string(payload)).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return Record{}, fmt.Errorf("syncq: redis hset: %w", err)
	}
	return normalized, nil
}

func (q *redisQueue) Pending(ctx context.Context) ([]Record, error) {
	resp := q.client.Do(ctx, q.client.B().Hgetall().Key(redisRecordsKey).Build())
	fields, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("syncq: redis hgetall: %w", err)
	}
	records := make([]Record, 0, len(fields))
	for id, payload := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("syncq: redis unmarshal %s: %w", id, err)
		}
		records = append(records, rec)
	}
	sortFIFO(records)
	return records, nil
}

func (q *redisQueue) Delete(ctx context.Context, id string) error {
	cmd := q.client.B().Hdel().Key(redisRecordsKey).Field(id).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("syncq: redis hdel: %w", err)
	}
	return nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	resp := q.client.Do(ctx, q.client.B().Hlen().Key(redisRecordsKey).Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("syncq: redis hlen: %w", err)
	}
	return size, nil
}

func (q *redisQueue) Close(context.Context) error {
	if q.owned {
		q.client.Close()
	}
	return nil
}
