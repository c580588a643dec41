package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option plus the precache manifest once the
// loader resolves it.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Manifest records the resolved precache manifest. It is excluded from
	// koanf so the value only reflects what the loader actually read rather
	// than static input documents.
	Manifest Manifest `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Origin   OriginConfig   `koanf:"origin"`
	Precache PrecacheConfig `koanf:"precache"`
	Cache    CacheConfig    `koanf:"cache"`
	Sync     SyncConfig     `koanf:"sync"`
	Push     PushConfig     `koanf:"push"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// OriginConfig describes the storefront origin the worker fronts and the path
// prefixes that must never be intercepted or cached.
type OriginConfig struct {
	URL            string   `koanf:"url"`
	BypassPrefixes []string `koanf:"bypassPrefixes"`
}

// PrecacheConfig announces where the precache manifest lives and which
// version the install lifecycle should stamp onto the active bucket.
type PrecacheConfig struct {
	ManifestFile string `koanf:"manifestFile"`
	Version      int    `koanf:"version"`
	OfflinePath  string `koanf:"offlinePath"`
}

// CacheConfig selects the snapshot store backend shared by the cache buckets,
// the sync queue, and the push subscription store.
type CacheConfig struct {
	Backend string           `koanf:"backend"`
	Redis   RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisTLSCacheConfig `koanf:"tls"`
}

type RedisTLSCacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// SyncConfig names the background-sync task tag and bounds each replay call.
type SyncConfig struct {
	Tag                  string `koanf:"tag"`
	ReplayTimeoutSeconds int    `koanf:"replayTimeoutSeconds"`
}

// PushConfig carries the VAPID credentials plus the notification defaults the
// dispatcher falls back to when a payload omits them.
type PushConfig struct {
	VAPIDPublicKey  string   `koanf:"vapidPublicKey"`
	VAPIDPrivateKey string   `koanf:"vapidPrivateKey"`
	ClaimEmail      string   `koanf:"claimEmail"`
	AdminToken      string   `koanf:"adminToken"`
	AdminUserIDs    []string `koanf:"adminUserIds"`
	DefaultTitle    string   `koanf:"defaultTitle"`
	DefaultIcon     string   `koanf:"defaultIcon"`
	DefaultBadge    string   `koanf:"defaultBadge"`
	TTLSeconds      int      `koanf:"ttlSeconds"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	origin := strings.TrimSpace(c.Server.Origin.URL)
	if origin == "" {
		return errors.New("config: origin.url required")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("config: origin.url invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: origin.url scheme unsupported: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("config: origin.url missing host")
	}
	for i, prefix := range c.Server.Origin.BypassPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("config: origin.bypassPrefixes[%d] must start with /: %s", i, prefix)
		}
	}
	if c.Server.Precache.Version <= 0 {
		return fmt.Errorf("config: precache.version invalid: %d", c.Server.Precache.Version)
	}
	if strings.TrimSpace(c.Server.Precache.ManifestFile) == "" {
		return errors.New("config: precache.manifestFile required")
	}
	if !strings.HasPrefix(c.Server.Precache.OfflinePath, "/") {
		return fmt.Errorf("config: precache.offlinePath must start with /: %s", c.Server.Precache.OfflinePath)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if strings.TrimSpace(c.Server.Sync.Tag) == "" {
		return errors.New("config: sync.tag required")
	}
	if c.Server.Sync.ReplayTimeoutSeconds < 0 {
		return fmt.Errorf("config: sync.replayTimeoutSeconds invalid: %d", c.Server.Sync.ReplayTimeoutSeconds)
	}
	pub := strings.TrimSpace(c.Server.Push.VAPIDPublicKey)
	priv := strings.TrimSpace(c.Server.Push.VAPIDPrivateKey)
	if (pub == "") != (priv == "") {
		return errors.New("config: push VAPID keys must be configured together")
	}
	if pub != "" && strings.TrimSpace(c.Server.Push.ClaimEmail) == "" {
		return errors.New("config: push.claimEmail required when VAPID keys are set")
	}
	if c.Server.Push.TTLSeconds < 0 {
		return fmt.Errorf("config: push.ttlSeconds invalid: %d", c.Server.Push.TTLSeconds)
	}
	return nil
}

// OriginURL returns the parsed origin. Validate must have accepted the config
// first; a parse failure here reports the same error.
func (c *Config) OriginURL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(c.Server.Origin.URL))
	if err != nil {
		return nil, fmt.Errorf("config: origin.url invalid: %w", err)
	}
	return parsed, nil
}

// DefaultConfig returns the baseline values that align with the storefront's
// documented defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Origin: OriginConfig{
				BypassPrefixes: []string{"/api/", "/admin/", "/auth/"},
			},
			Precache: PrecacheConfig{
				ManifestFile: "./precache.yaml",
				Version:      1,
				OfflinePath:  "/offline",
			},
			Cache: CacheConfig{
				Backend: "memory",
			},
			Sync: SyncConfig{
				Tag:                  "cart-sync",
				ReplayTimeoutSeconds: 30,
			},
			Push: PushConfig{
				ClaimEmail:   "mailto:admin@localhost",
				DefaultTitle: "AutoSpareHub",
				DefaultIcon:  "/static/images/icon-192x192.png",
				DefaultBadge: "/static/images/icon-192x192.png",
				TTLSeconds:   30,
			},
		},
	}
}
