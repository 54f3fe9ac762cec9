package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest is the precache document: a list of shell paths relative to the
// worker's base path.
type Manifest struct {
	Paths []string `koanf:"paths"`
}

// LoadManifest parses a manifest file, choosing the parser from the file
// extension (.json, .toml, .yaml or .yml).
func LoadManifest(ctx context.Context, path string) (Manifest, error) {
	select {
	case <-ctx.Done():
		return Manifest{}, ctx.Err()
	default:
	}
	parser, err := manifestParser(path)
	if err != nil {
		return Manifest{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return Manifest{}, fmt.Errorf("config: stat manifest %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest %s: %w", path, err)
	}
	var manifest Manifest
	if err := k.Unmarshal("", &manifest); err != nil {
		return Manifest{}, fmt.Errorf("config: decode manifest %s: %w", path, err)
	}
	if len(manifest.Paths) == 0 {
		return Manifest{}, fmt.Errorf("config: manifest %s lists no paths", path)
	}
	seen := make(map[string]struct{}, len(manifest.Paths))
	paths := make([]string, 0, len(manifest.Paths))
	for _, p := range manifest.Paths {
		p = strings.TrimSpace(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	manifest.Paths = paths
	return manifest, nil
}

func manifestParser(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: manifest %s: unsupported extension", path)
	}
}
