package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/cachectrl/internal/config"
	"github.com/l0p7/cachectrl/internal/logging"
	"github.com/l0p7/cachectrl/internal/metrics"
	"github.com/l0p7/cachectrl/internal/runtime"
	"github.com/l0p7/cachectrl/internal/runtime/cache"
	"github.com/l0p7/cachectrl/internal/server"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type manifestWatcher interface {
	Stop()
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
	watchManifest = func(ctx context.Context, path string, onChange func(config.Manifest), onError func(error)) (manifestWatcher, error) {
		return config.WatchManifest(ctx, path, onChange, onError)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CACHECTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	storage := buildStorage(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	metricsRecorder := metrics.NewRecorder(prometheus.NewRegistry())

	worker, err := runtime.NewWorker(logger, runtime.WorkerOptions{
		Config:  cfg,
		Storage: storage,
		Metrics: metricsRecorder,
	})
	if err != nil {
		_ = storage.Close(context.Background())
		return fmt.Errorf("build worker: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	installed := make(chan struct{})
	defer func() {
		cancel()
		<-installed
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := worker.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	// Requests pass through untouched until install and activation finish.
	go func() {
		defer close(installed)
		if err := worker.Start(runCtx); err != nil {
			logger.Error("worker install failed", slog.Any("error", err))
		}
	}()

	if cfg.ManifestSource != "" && cfg.Precache.Watch {
		watcher, err := watchManifest(runCtx, cfg.ManifestSource, func(manifest config.Manifest) {
			worker.ReloadManifest(runCtx, manifest)
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewWorkerHandler(cfg.Server.ControlPath, worker, metricsRecorder.Handler())
	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildStorage(logger *slog.Logger, cfg config.CacheConfig) cache.Storage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory cache storage")
		}
		return cache.NewMemory()
	case "redis":
		storage, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis cache storage", slog.String("address", cfg.Redis.Address))
		}
		return storage
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
