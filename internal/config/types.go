package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Config holds every server-level option plus the worker's cache, lifecycle and
// routing knobs.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Worker    WorkerConfig    `koanf:"worker"`
	Cache     CacheConfig     `koanf:"cache"`
	Precache  PrecacheConfig  `koanf:"precache"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Routing   RoutingConfig   `koanf:"routing"`
	Offline   OfflineConfig   `koanf:"offline"`

	// ManifestSource records the manifest file that replaced Precache.Paths
	// during Load. It stays empty when the built-in path list is used.
	ManifestSource string `koanf:"-"`
}

// ServerConfig collects the listener bootstrap knobs.
type ServerConfig struct {
	Listen      ListenConfig  `koanf:"listen"`
	Logging     LoggingConfig `koanf:"logging"`
	ControlPath string        `koanf:"controlPath"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WorkerConfig identifies the deployment the worker serves. Scope is the
// registration scope URL; its origin decides same-origin routing and its path
// is the base every precache path resolves against.
type WorkerConfig struct {
	Scope        string `koanf:"scope"`
	Version      int    `koanf:"version"`
	FetchTimeout string `koanf:"fetchTimeout"`
	MaxBodyBytes int64  `koanf:"maxBodyBytes"`
}

// FetchTimeoutDuration parses FetchTimeout. An empty value disables the timeout.
func (w WorkerConfig) FetchTimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(w.FetchTimeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: worker.fetchTimeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: worker.fetchTimeout invalid: %s", raw)
	}
	return d, nil
}

// CacheConfig selects the storage backend and the per-category entry limits.
// A limit of zero means the category is unbounded.
type CacheConfig struct {
	Backend    string           `koanf:"backend"`
	NamePrefix string           `koanf:"namePrefix"`
	Limits     CacheLimitConfig `koanf:"limits"`
	Redis      RedisCacheConfig `koanf:"redis"`
}

type CacheLimitConfig struct {
	Shell   int `koanf:"shell"`
	Runtime int `koanf:"runtime"`
	Media   int `koanf:"media"`
	Icon    int `koanf:"icon"`
}

type RedisCacheConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Namespace string         `koanf:"namespace"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PrecacheConfig lists the shell resources fetched during install. Paths are
// relative to the base path derived from Worker.Scope. When ManifestFile is
// set its "paths" list replaces Paths and the file is watched for changes.
type PrecacheConfig struct {
	Paths        []string `koanf:"paths"`
	ManifestFile string   `koanf:"manifestFile"`
	Watch        bool     `koanf:"watch"`
}

// LifecycleConfig controls the install → activate transition.
type LifecycleConfig struct {
	SkipWaiting bool `koanf:"skipWaiting"`
}

// RoutingConfig carries custom rules evaluated before the built-in ones.
type RoutingConfig struct {
	Rules []RouteRuleConfig `koanf:"rules"`
}

// RouteRuleConfig matches when both the path pattern and the CEL condition
// (each optional, but at least one required) hold for a non-navigation GET.
type RouteRuleConfig struct {
	Name     string `koanf:"name"`
	Pattern  string `koanf:"pattern"`
	When     string `koanf:"when"`
	Category string `koanf:"category"`
	Strategy string `koanf:"strategy"`
}

// OfflineConfig shapes the synthetic response returned when neither the
// network nor the cache can answer.
type OfflineConfig struct {
	Template     string `koanf:"template"`
	TemplateFile string `koanf:"templateFile"`
	ContentType  string `koanf:"contentType"`
}

var (
	validCategories = map[string]struct{}{"shell": {}, "runtime": {}, "media": {}, "icon": {}}
	validStrategies = map[string]struct{}{
		"network-first":          {},
		"cache-first":            {},
		"stale-while-revalidate": {},
	}
)

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	control := strings.TrimSpace(c.Server.ControlPath)
	if control == "" || !strings.HasPrefix(control, "/") || control == "/" {
		return fmt.Errorf("config: server.controlPath invalid: %q", c.Server.ControlPath)
	}
	if c.Worker.Version < 1 {
		return fmt.Errorf("config: worker.version invalid: %d", c.Worker.Version)
	}
	scope, err := url.Parse(strings.TrimSpace(c.Worker.Scope))
	if err != nil {
		return fmt.Errorf("config: worker.scope: %w", err)
	}
	if scope.Scheme != "http" && scope.Scheme != "https" || scope.Host == "" {
		return fmt.Errorf("config: worker.scope must be an absolute http(s) URL: %q", c.Worker.Scope)
	}
	if _, err := c.Worker.FetchTimeoutDuration(); err != nil {
		return err
	}
	if c.Worker.MaxBodyBytes < 0 {
		return fmt.Errorf("config: worker.maxBodyBytes invalid: %d", c.Worker.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Cache.NamePrefix) == "" {
		return errors.New("config: cache.namePrefix required")
	}
	limits := map[string]int{
		"shell":   c.Cache.Limits.Shell,
		"runtime": c.Cache.Limits.Runtime,
		"media":   c.Cache.Limits.Media,
		"icon":    c.Cache.Limits.Icon,
	}
	for name, limit := range limits {
		if limit < 0 {
			return fmt.Errorf("config: cache.limits.%s invalid: %d", name, limit)
		}
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.Offline.Template != "" && c.Offline.TemplateFile != "" {
		return errors.New("config: offline.template and offline.templateFile are mutually exclusive")
	}
	for i, rule := range c.Routing.Rules {
		if err := validateRouteRule(i, rule); err != nil {
			return err
		}
	}
	return nil
}

func validateRouteRule(i int, rule RouteRuleConfig) error {
	label := rule.Name
	if label == "" {
		label = fmt.Sprintf("#%d", i)
	}
	if strings.TrimSpace(rule.Pattern) == "" && strings.TrimSpace(rule.When) == "" {
		return fmt.Errorf("config: routing rule %s requires pattern or when", label)
	}
	if rule.Pattern != "" {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("config: routing rule %s pattern: %w", label, err)
		}
	}
	if _, ok := validCategories[strings.ToLower(strings.TrimSpace(rule.Category))]; !ok {
		return fmt.Errorf("config: routing rule %s category unsupported: %q", label, rule.Category)
	}
	if _, ok := validStrategies[strings.ToLower(strings.TrimSpace(rule.Strategy))]; !ok {
		return fmt.Errorf("config: routing rule %s strategy unsupported: %q", label, rule.Strategy)
	}
	return nil
}

// DefaultPrecachePaths is the always-offline shell: the scope root, the index
// document, the web manifest, the worker script and the base icon sizes.
func DefaultPrecachePaths() []string {
	return []string{
		"",
		"index.html",
		"manifest.json",
		"serviceworker.js",
		"icons/icon-192.png",
		"icons/icon-512.png",
	}
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			ControlPath: "/__cachectrl",
		},
		Worker: WorkerConfig{
			Scope:        "http://localhost:3000/",
			Version:      1,
			FetchTimeout: "15s",
			MaxBodyBytes: 32 << 20,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			NamePrefix: "cachectrl",
			Limits: CacheLimitConfig{
				Shell:   0,
				Runtime: 120,
				Media:   60,
				Icon:    120,
			},
			Redis: RedisCacheConfig{
				Namespace: "cachectrl",
			},
		},
		Precache: PrecacheConfig{
			Paths: DefaultPrecachePaths(),
			Watch: true,
		},
		Lifecycle: LifecycleConfig{
			SkipWaiting: true,
		},
		Offline: OfflineConfig{
			ContentType: "text/plain; charset=utf-8",
		},
	}
}
