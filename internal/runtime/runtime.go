package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/cachectrl/internal/config"
	"github.com/l0p7/cachectrl/internal/expr"
	"github.com/l0p7/cachectrl/internal/metrics"
	"github.com/l0p7/cachectrl/internal/runtime/cache"
	"github.com/l0p7/cachectrl/internal/runtime/category"
	"github.com/l0p7/cachectrl/internal/runtime/command"
	"github.com/l0p7/cachectrl/internal/runtime/lifecycle"
	"github.com/l0p7/cachectrl/internal/runtime/routing"
	"github.com/l0p7/cachectrl/internal/runtime/strategy"
	"github.com/l0p7/cachectrl/internal/templates"
)

// maxMessageBytes bounds a command message body.
const maxMessageBytes = 64 << 10

// httpDoer is the client contract shared by intercepted fetches and
// passthrough forwarding.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// WorkerOptions wires the worker to its collaborators. Client defaults to a
// client built from the worker configuration.
type WorkerOptions struct {
	Config  config.Config
	Storage cache.Storage
	Client  httpDoer
	Metrics *metrics.Recorder
}

// Worker intercepts requests for one scope. Before it controls the scope
// every request passes through untouched.
type Worker struct {
	logger  *slog.Logger
	scope   *url.URL
	storage cache.Storage
	naming  category.Naming
	client  httpDoer
	metrics *metrics.Recorder

	router    *routing.Router
	engine    *strategy.Engine
	lifecycle *lifecycle.Manager
	commands  *command.Handler
}

// NewWorker assembles the router, strategy engine, lifecycle manager and
// command handler from cfg.
func NewWorker(logger *slog.Logger, opts WorkerOptions) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Storage == nil {
		return nil, errors.New("runtime: storage required")
	}
	cfg := opts.Config
	scope, err := url.Parse(strings.TrimSpace(cfg.Worker.Scope))
	if err != nil {
		return nil, fmt.Errorf("runtime: scope: %w", err)
	}
	naming, err := category.NewNaming(cfg.Cache.NamePrefix, cfg.Worker.Version)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	client := opts.Client
	if client == nil {
		client, err = NewHTTPClient(cfg.Worker)
		if err != nil {
			return nil, err
		}
	}

	synthetic, err := offlineResponder(cfg.Offline)
	if err != nil {
		return nil, err
	}

	engine, err := strategy.NewEngine(strategy.Options{
		Storage:     opts.Storage,
		Naming:      naming,
		Limits:      limitsFromConfig(cfg.Cache.Limits),
		Fetcher:     strategy.NewHTTPFetcher(client, cfg.Worker.MaxBodyBytes),
		FallbackURL: lifecycle.OfflineFallback(scope),
		Synthetic:   synthetic,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	router, err := routing.New(scope, cfg.Routing.Rules, env, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Storage:     opts.Storage,
		Naming:      naming,
		Prefetcher:  engine,
		Scope:       scope,
		Paths:       cfg.Precache.Paths,
		SkipWaiting: cfg.Lifecycle.SkipWaiting,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	commands, err := command.NewHandler(command.Options{
		Storage:    opts.Storage,
		Naming:     naming,
		Activator:  manager,
		Prefetcher: engine,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	return &Worker{
		logger:    logger.With(slog.String("agent", "worker")),
		scope:     scope,
		storage:   opts.Storage,
		naming:    naming,
		client:    client,
		metrics:   opts.Metrics,
		router:    router,
		engine:    engine,
		lifecycle: manager,
		commands:  commands,
	}, nil
}

// NewHTTPClient builds the outbound client. Redirects are returned to the
// caller instead of being followed so the browser sees them.
func NewHTTPClient(cfg config.WorkerConfig) (*http.Client, error) {
	timeout, err := cfg.FetchTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

func limitsFromConfig(cfg config.CacheLimitConfig) category.Limits {
	return category.Limits{
		category.Shell:   cfg.Shell,
		category.Runtime: cfg.Runtime,
		category.Media:   cfg.Media,
		category.Icon:    cfg.Icon,
	}
}

func offlineResponder(cfg config.OfflineConfig) (strategy.SyntheticFunc, error) {
	tmpl, err := templates.Load(cfg.Template, cfg.TemplateFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: offline template: %w", err)
	}
	return strategy.TemplateSynthetic(tmpl, cfg.ContentType), nil
}

// Start runs the install transition, and activation when configured.
func (w *Worker) Start(ctx context.Context) error {
	return w.lifecycle.Install(ctx)
}

// State exposes the lifecycle phase.
func (w *Worker) State() lifecycle.State { return w.lifecycle.State() }

// ReloadManifest replaces the precache list and refreshes the shell store.
func (w *Worker) ReloadManifest(ctx context.Context, manifest config.Manifest) {
	report := w.lifecycle.UpdatePaths(ctx, manifest.Paths)
	if len(report.Failed) > 0 {
		w.logger.Warn("manifest reload incomplete", slog.Int("failed", len(report.Failed)))
	}
}

// Close waits for background cache work, then releases storage.
func (w *Worker) Close(ctx context.Context) error {
	drainErr := w.engine.Drain(ctx)
	closeErr := w.storage.Close(ctx)
	return errors.Join(drainErr, closeErr)
}

// ServeHTTP intercepts GETs once the worker controls its scope and forwards
// everything else untouched.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target := w.targetURL(r)
	req := strategy.Request{
		Method:   r.Method,
		URL:      target,
		Header:   r.Header.Clone(),
		Navigate: isNavigation(r),
	}
	strategy.StripHopHeaders(req.Header)

	if !w.lifecycle.Controlling() {
		w.passthrough(rw, r, target)
		return
	}
	decision := w.router.Route(req)
	if !decision.Handle {
		w.passthrough(rw, r, target)
		return
	}

	resp := w.engine.Execute(r.Context(), req, decision.Strategy, decision.Category)
	if strategy.Bypassed(resp) {
		rw.Header().Set(strategy.SourceHeader, strategy.SourceNetwork)
		w.passthrough(rw, r, target)
		return
	}
	writeCachedResponse(rw, resp, w.logger)
	w.logRequest(r.Context(), req, decision, resp, time.Since(start))
}

// ServeMessage accepts one JSON command. A reply is written as JSON with
// 200; commands without a reply answer 204.
func (w *Worker) ServeMessage(rw http.ResponseWriter, r *http.Request) {
	var msg command.Message
	body := http.MaxBytesReader(rw, r.Body, maxMessageBytes)
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		w.WriteError(rw, http.StatusBadRequest, "malformed message")
		return
	}
	if !command.Known(msg.Type) {
		w.commands.Handle(r.Context(), msg, nil)
		rw.WriteHeader(http.StatusNoContent)
		return
	}

	port := make(chan command.Reply, 1)
	w.commands.Handle(r.Context(), msg, port)
	select {
	case reply := <-port:
		rw.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(rw).Encode(reply); err != nil {
			w.logger.Error("reply encode failed", slog.Any("error", err))
		}
	default:
		rw.WriteHeader(http.StatusNoContent)
	}
}

// ServeHealth reports lifecycle state, version and per-store entry counts.
func (w *Worker) ServeHealth(rw http.ResponseWriter, r *http.Request) {
	state := w.lifecycle.State()
	stores, err := w.storeCounts(r.Context())
	status := "ok"
	if err != nil {
		w.logger.Error("store enumeration failed", slog.Any("error", err))
		status = "degraded"
	}
	if state == lifecycle.StateRedundant {
		status = "redundant"
	}
	payload := map[string]any{
		"status":      status,
		"state":       state,
		"version":     w.naming.Version(),
		"controlling": w.lifecycle.Controlling(),
		"scope":       w.scope.String(),
		"stores":      stores,
		"observedAt":  time.Now().UTC(),
	}
	rw.Header().Set("Content-Type", "application/json")
	if state == lifecycle.StateRedundant {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(rw).Encode(payload); err != nil {
		w.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// WriteError emits a JSON error payload.
func (w *Worker) WriteError(rw http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(map[string]any{"error": message}); err != nil {
		w.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (w *Worker) storeCounts(ctx context.Context) (map[string]int, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return map[string]int{}, err
	}
	counts := make(map[string]int, len(names))
	for _, name := range names {
		store, err := w.storage.Open(ctx, name)
		if err != nil {
			return counts, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return counts, err
		}
		counts[name] = len(keys)
	}
	return counts, nil
}

func writeCachedResponse(rw http.ResponseWriter, resp *cache.Response, logger *slog.Logger) {
	header := rw.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Del("Content-Length")
	if len(resp.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	rw.WriteHeader(resp.Status)
	if len(resp.Body) == 0 {
		return
	}
	if _, err := rw.Write(resp.Body); err != nil {
		logger.Debug("response write failed", slog.Any("error", err))
	}
}
