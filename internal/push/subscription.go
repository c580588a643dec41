package push

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Keys holds the client's encryption material from the PushSubscription
// object the browser hands out.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription associates one push endpoint with the user that registered it.
// A user may hold several subscriptions, one per browser profile.
type Subscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// ErrInvalidSubscription reports a subscription missing its identifying
// fields.
var ErrInvalidSubscription = errors.New("push: subscription requires userId, endpoint, and keys")

func validateSubscription(sub Subscription) error {
	if strings.TrimSpace(sub.UserID) == "" ||
		strings.TrimSpace(sub.Endpoint) == "" ||
		strings.TrimSpace(sub.Keys.P256dh) == "" ||
		strings.TrimSpace(sub.Keys.Auth) == "" {
		return ErrInvalidSubscription
	}
	return nil
}

// Store persists push subscriptions keyed by user and endpoint. Save is
// idempotent: re-registering an existing endpoint reports created=false.
type Store interface {
	Save(ctx context.Context, sub Subscription) (created bool, err error)
	Remove(ctx context.Context, userID, endpoint string) error
	List(ctx context.Context, userID string) ([]Subscription, error)
	Close(ctx context.Context) error
}

type memoryStore struct {
	mu   sync.RWMutex
	subs map[string]map[string]Subscription
}

// NewMemory returns an in-process Store for single-instance deployments and
// tests.
func NewMemory() Store {
	return &memoryStore{subs: make(map[string]map[string]Subscription)}
}

func (s *memoryStore) Save(_ context.Context, sub Subscription) (bool, error) {
	if err := validateSubscription(sub); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoints, ok := s.subs[sub.UserID]
	if !ok {
		endpoints = make(map[string]Subscription)
		s.subs[sub.UserID] = endpoints
	}
	if _, exists := endpoints[sub.Endpoint]; exists {
		return false, nil
	}
	endpoints[sub.Endpoint] = sub
	return true, nil
}

func (s *memoryStore) Remove(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if endpoints, ok := s.subs[userID]; ok {
		delete(endpoints, endpoint)
		if len(endpoints) == 0 {
			delete(s.subs, userID)
		}
	}
	return nil
}

func (s *memoryStore) List(_ context.Context, userID string) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoints := s.subs[userID]
	out := make([]Subscription, 0, len(endpoints))
	for _, sub := range endpoints {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (s *memoryStore) Close(context.Context) error { return nil }
