package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest captures the ordered precache asset list after loading the
// configured manifest source. Order is preserved because install fetches the
// entries in sequence and tests rely on deterministic bucket population.
type Manifest struct {
	Assets []string
	Source string
}

type manifestDocument struct {
	Assets []string `koanf:"assets"`
}

// Contains reports whether the manifest lists the given path.
func (m Manifest) Contains(path string) bool {
	for _, asset := range m.Assets {
		if asset == path {
			return true
		}
	}
	return false
}

// loadManifest parses the manifest file referenced by the precache config and
// validates the invariants install depends on: every entry is an absolute
// path, duplicates collapse to their first occurrence, and the offline
// fallback page is present so activation can always serve it.
func loadManifest(ctx context.Context, cfg PrecacheConfig) (Manifest, error) {
	select {
	case <-ctx.Done():
		return Manifest{}, ctx.Err()
	default:
	}

	path := strings.TrimSpace(cfg.ManifestFile)
	parser, err := manifestParser(path)
	if err != nil {
		return Manifest{}, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest %s: %w", path, err)
	}

	var doc manifestDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return Manifest{}, fmt.Errorf("config: unmarshal manifest %s: %w", path, err)
	}
	if len(doc.Assets) == 0 {
		return Manifest{}, fmt.Errorf("config: manifest %s lists no assets", path)
	}

	seen := make(map[string]struct{}, len(doc.Assets))
	assets := make([]string, 0, len(doc.Assets))
	for i, asset := range doc.Assets {
		trimmed := strings.TrimSpace(asset)
		if trimmed == "" {
			return Manifest{}, fmt.Errorf("config: manifest %s assets[%d] empty", path, i)
		}
		if !strings.HasPrefix(trimmed, "/") {
			return Manifest{}, fmt.Errorf("config: manifest %s assets[%d] must start with /: %s", path, i, trimmed)
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		assets = append(assets, trimmed)
	}

	manifest := Manifest{Assets: assets, Source: path}
	if !manifest.Contains(cfg.OfflinePath) {
		return Manifest{}, fmt.Errorf("config: manifest %s missing offline fallback %s", path, cfg.OfflinePath)
	}
	return manifest, nil
}

func manifestParser(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: manifest %s has unsupported extension", path)
	}
}
