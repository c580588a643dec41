package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	valkey "github.com/valkey-io/valkey-go"
)

const redisSubsPrefix = "edgeworker:push:subs:"

type redisStore struct {
	client valkey.Client
	owned  bool
}

// NewRedis returns a Store backed by a redis-compatible server. Subscriptions
// live in one hash per user, keyed by endpoint. The client is shared with the
// other redis-backed stores; pass owned=true when this store should close it.
func NewRedis(client valkey.Client, owned bool) Store {
	return &redisStore{client: client, owned: owned}
}

func (s *redisStore) Save(ctx context.Context, sub Subscription) (bool, error) {
	if err := validateSubscription(sub); err != nil {
		return false, err
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return false, fmt.Errorf("push: redis marshal: %w", err)
	}
	cmd := s.client.B().Hsetnx().Key(redisSubsPrefix + sub.UserID).Field(sub.Endpoint).Value(string(payload)).Build()
	created, err := s.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, fmt.Errorf("push: redis hsetnx: %w", err)
	}
	return created, nil
}

func (s *redisStore) Remove(ctx context.Context, userID, endpoint string) error {
	cmd := s.client.B().Hdel().Key(redisSubsPrefix + userID).Field(endpoint).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("push: redis hdel: %w", err)
	}
	return nil
}

func (s *redisStore) List(ctx context.Context, userID string) ([]Subscription, error) {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(redisSubsPrefix+userID).Build())
	fields, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("push: redis hgetall: %w", err)
	}
	subs := make([]Subscription, 0, len(fields))
	for endpoint, payload := range fields {
		var sub Subscription
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			return nil, fmt.Errorf("push: redis unmarshal %s: %w", endpoint, err)
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return subs, nil
}

func (s *redisStore) Close(context.Context) error {
	if s.owned {
		s.client.Close()
	}
	return nil
}
