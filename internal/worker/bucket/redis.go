package bucket

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	redisSnapshotPrefix = "edgeworker:bucket:"
	redisIndexPrefix    = "edgeworker:bucketidx:"
	redisRegistryKey    = "edgeworker:buckets"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
}

// NewRedis returns a Store backed by a redis-compatible server so multiple
// gateway instances share one set of cache buckets.
func NewRedis(cfg RedisConfig) (Store, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: client}, nil
}

// newRedisClient builds and pings a valkey client from shared redis settings.
// The sync queue and subscription store reuse it so every backend observes
// identical connection semantics.
func newRedisClient(cfg RedisConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("bucket: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("bucket: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("bucket: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("bucket: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bucket: redis ping: %w", err)
	}

	return client, nil
}

// NewRedisClient exposes the shared client constructor for the sibling stores
// built on the same redis settings.
func NewRedisClient(cfg RedisConfig) (valkey.Client, error) {
	return newRedisClient(cfg)
}

// NewRedisWithClient wraps an existing client. Closing the returned store
// closes the client, so the store sharing it should be closed last.
func NewRedisWithClient(client valkey.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Lookup(ctx context.Context, bucket, key string) (Snapshot, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(snapshotKey(bucket, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("bucket: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("bucket: redis get bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("bucket: redis unmarshal: %w", err)
	}
	return snap, true, nil
}

func (s *redisStore) Put(ctx context.Context, bucket, key string, snap Snapshot) error {
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("bucket: redis marshal: %w", err)
	}
	cmds := []valkey.Completed{
		s.client.B().Set().Key(snapshotKey(bucket, key)).Value(string(payload)).Build(),
		s.client.B().Sadd().Key(indexKey(bucket)).Member(key).Build(),
		s.client.B().Sadd().Key(redisRegistryKey).Member(bucket).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("bucket: redis put: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, bucket, key string) error {
	cmds := []valkey.Completed{
		s.client.B().Del().Key(snapshotKey(bucket, key)).Build(),
		s.client.B().Srem().Key(indexKey(bucket)).Member(key).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("bucket: redis delete: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Buckets(ctx context.Context) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(redisRegistryKey).Build())
	names, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("bucket: redis buckets: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) DropBucket(ctx context.Context, bucket string) error {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey(bucket)).Build())
	keys, err := resp.AsStrSlice()
	if err != nil {
		return fmt.Errorf("bucket: redis drop bucket: %w", err)
	}
	del := s.client.B().Del().Key(indexKey(bucket))
	for _, key := range keys {
		del = del.Key(snapshotKey(bucket, key))
	}
	cmds := []valkey.Completed{
		del.Build(),
		s.client.B().Srem().Key(redisRegistryKey).Member(bucket).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("bucket: redis drop bucket: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func snapshotKey(bucket, key string) string {
	return redisSnapshotPrefix + bucket + ":" + key
}

func indexKey(bucket string) string {
	return redisIndexPrefix + bucket
}
