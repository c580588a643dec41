package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot, validates it, and resolves the
// precache manifest so the lifecycle agent starts from a complete picture.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"server.origin.bypassprefixes":     "server.origin.bypassPrefixes",
			"server.precache.manifestfile":     "server.precache.manifestFile",
			"server.precache.offlinepath":      "server.precache.offlinePath",
			"server.cache.redis.tls.cafile":    "server.cache.redis.tls.caFile",
			"server.sync.replaytimeoutseconds": "server.sync.replayTimeoutSeconds",
			"server.push.vapidpublickey":       "server.push.vapidPublicKey",
			"server.push.vapidprivatekey":      "server.push.vapidPrivateKey",
			"server.push.claimemail":           "server.push.claimEmail",
			"server.push.admintoken":           "server.push.adminToken",
			"server.push.adminuserids":         "server.push.adminUserIds",
			"server.push.defaulttitle":         "server.push.defaultTitle",
			"server.push.defaulticon":          "server.push.defaultIcon",
			"server.push.defaultbadge":         "server.push.defaultBadge",
			"server.push.ttlseconds":           "server.push.ttlSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	manifest, err := loadManifest(ctx, cfg.Server.Precache)
	if err != nil {
		return Config{}, err
	}
	cfg.Manifest = manifest
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"origin": map[string]any{
				"url":            cfg.Server.Origin.URL,
				"bypassPrefixes": cfg.Server.Origin.BypassPrefixes,
			},
			"precache": map[string]any{
				"manifestFile": cfg.Server.Precache.ManifestFile,
				"version":      cfg.Server.Precache.Version,
				"offlinePath":  cfg.Server.Precache.OfflinePath,
			},
			"cache": map[string]any{
				"backend": cfg.Server.Cache.Backend,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"sync": map[string]any{
				"tag":                  cfg.Server.Sync.Tag,
				"replayTimeoutSeconds": cfg.Server.Sync.ReplayTimeoutSeconds,
			},
			"push": map[string]any{
				"vapidPublicKey":  cfg.Server.Push.VAPIDPublicKey,
				"vapidPrivateKey": cfg.Server.Push.VAPIDPrivateKey,
				"claimEmail":      cfg.Server.Push.ClaimEmail,
				"adminToken":      cfg.Server.Push.AdminToken,
				"adminUserIds":    cfg.Server.Push.AdminUserIDs,
				"defaultTitle":    cfg.Server.Push.DefaultTitle,
				"defaultIcon":     cfg.Server.Push.DefaultIcon,
				"defaultBadge":    cfg.Server.Push.DefaultBadge,
				"ttlSeconds":      cfg.Server.Push.TTLSeconds,
			},
		},
	}
}
