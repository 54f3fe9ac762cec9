package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/cachectrl/internal/config"
	"github.com/l0p7/cachectrl/internal/runtime/cache"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStorage(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.CacheConfig
		verify func(t *testing.T, storage cache.Storage)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				require.NotNil(t, storage, "expected storage to be constructed")
				roundTrip(t, storage)
			},
		},
		{
			name: "constructs redis storage",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend: "redis",
					Redis: config.RedisCacheConfig{
						Address:   server.Addr(),
						Namespace: "test",
					},
				}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				roundTrip(t, storage)
			},
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "redis",
					Redis:   config.RedisCacheConfig{Address: "127.0.0.1:1"},
				}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				require.NotNil(t, storage)
				roundTrip(t, storage)
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "disk"}
			},
			verify: func(t *testing.T, storage cache.Storage) {
				roundTrip(t, storage)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			storage := buildStorage(newTestLogger(), tc.cfg(t))
			t.Cleanup(func() {
				require.NoError(t, storage.Close(context.Background()))
			})
			tc.verify(t, storage)
		})
	}
}

func roundTrip(t *testing.T, storage cache.Storage) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, "app-runtime-v1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "GET http://example.test/a.js", &cache.Response{Status: http.StatusOK, Body: []byte("a")}))
	resp, ok, err := store.Get(ctx, "GET http://example.test/a.js")
	require.NoError(t, err)
	require.True(t, ok, "expected lookup to succeed")
	require.Equal(t, "a", string(resp.Body))
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "CACHECTRL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunWorkerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routing.Rules = []config.RouteRuleConfig{{Pattern: "(", Category: "runtime", Strategy: "cache-first"}}

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	err := run(context.Background(), "CACHECTRL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "build worker")
}

func TestRunServerConstructorError(t *testing.T) {
	cfg := testConfig(t)
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "CACHECTRL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	cfg := testConfig(t)
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "CACHECTRL", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunCanceledContextIsClean(t *testing.T) {
	cfg := testConfig(t)
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "CACHECTRL", ""))
}

func TestRunWatchesManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.ManifestSource = "manifest.yaml"
	cfg.Precache.Watch = true

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	watcher := &fakeWatcher{}
	var seenPath string
	original := watchManifest
	watchManifest = func(_ context.Context, path string, onChange func(config.Manifest), _ func(error)) (manifestWatcher, error) {
		seenPath = path
		onChange(config.Manifest{Paths: []string{"index.html"}})
		return watcher, nil
	}
	t.Cleanup(func() { watchManifest = original })

	require.NoError(t, run(context.Background(), "CACHECTRL", ""))
	require.Equal(t, "manifest.yaml", seenPath)
	require.True(t, watcher.isStopped(), "expected watcher to be stopped on shutdown")
}

func TestRunManifestWatchErrorIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.ManifestSource = "manifest.yaml"
	cfg.Precache.Watch = true

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})
	original := watchManifest
	watchManifest = func(context.Context, string, func(config.Manifest), func(error)) (manifestWatcher, error) {
		return nil, errors.New("watch failed")
	}
	t.Cleanup(func() { watchManifest = original })

	require.NoError(t, run(context.Background(), "CACHECTRL", ""))
}

// testConfig points the worker at a local origin so install finishes quickly.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(origin.Close)

	cfg := config.DefaultConfig()
	cfg.Worker.Scope = origin.URL + "/"
	cfg.Server.Logging.Level = "error"
	return cfg
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg     config.Config
	loadErr error
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	stopped bool
}

func (f *fakeWatcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeWatcher) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
