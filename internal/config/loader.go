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

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
// When a precache manifest file is configured its paths replace the inline list.
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
			"server.controlpath":     "server.controlPath",
			"worker.fetchtimeout":    "worker.fetchTimeout",
			"worker.maxbodybytes":    "worker.maxBodyBytes",
			"cache.nameprefix":       "cache.namePrefix",
			"cache.redis.tls.cafile": "cache.redis.tls.caFile",
			"precache.manifestfile":  "precache.manifestFile",
			"lifecycle.skipwaiting":  "lifecycle.skipWaiting",
			"offline.templatefile":   "offline.templateFile",
			"offline.contenttype":    "offline.contentType",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (WORKER__VERSION -> worker.version).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
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

	if manifestPath := strings.TrimSpace(cfg.Precache.ManifestFile); manifestPath != "" {
		manifest, err := LoadManifest(ctx, manifestPath)
		if err != nil {
			return Config{}, err
		}
		cfg.Precache.Paths = manifest.Paths
		cfg.ManifestSource = manifestPath
	}
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
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"controlPath": cfg.Server.ControlPath,
		},
		"worker": map[string]any{
			"scope":        cfg.Worker.Scope,
			"version":      cfg.Worker.Version,
			"fetchTimeout": cfg.Worker.FetchTimeout,
			"maxBodyBytes": cfg.Worker.MaxBodyBytes,
		},
		"cache": map[string]any{
			"backend":    cfg.Cache.Backend,
			"namePrefix": cfg.Cache.NamePrefix,
			"limits": map[string]any{
				"shell":   cfg.Cache.Limits.Shell,
				"runtime": cfg.Cache.Limits.Runtime,
				"media":   cfg.Cache.Limits.Media,
				"icon":    cfg.Cache.Limits.Icon,
			},
			"redis": map[string]any{
				"address":   cfg.Cache.Redis.Address,
				"username":  cfg.Cache.Redis.Username,
				"password":  cfg.Cache.Redis.Password,
				"db":        cfg.Cache.Redis.DB,
				"namespace": cfg.Cache.Redis.Namespace,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"precache": map[string]any{
			"paths":        cfg.Precache.Paths,
			"manifestFile": cfg.Precache.ManifestFile,
			"watch":        cfg.Precache.Watch,
		},
		"lifecycle": map[string]any{
			"skipWaiting": cfg.Lifecycle.SkipWaiting,
		},
		"offline": map[string]any{
			"template":     cfg.Offline.Template,
			"templateFile": cfg.Offline.TemplateFile,
			"contentType":  cfg.Offline.ContentType,
		},
	}
}
