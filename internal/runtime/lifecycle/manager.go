// Package lifecycle drives the install and activate transitions: opening the
// current version's stores, precaching the shell, and garbage-collecting the
// stores of earlier versions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/cachectrl/internal/metrics"
	"github.com/l0p7/cachectrl/internal/runtime/cache"
	"github.com/l0p7/cachectrl/internal/runtime/category"
)

// State is a lifecycle phase.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrInvalidTransition reports a transition requested from the wrong state.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// precacheConcurrency bounds simultaneous shell fetches.
const precacheConcurrency = 4

// Prefetcher fetches one URL and stores it in a category.
type Prefetcher interface {
	Prefetch(ctx context.Context, rawURL string, cat category.Category) error
}

// Options configures a Manager.
type Options struct {
	Storage    cache.Storage
	Naming     category.Naming
	Prefetcher Prefetcher
	Scope      *url.URL
	// Paths are precache paths relative to the scope's base path.
	Paths []string
	// SkipWaiting activates right after a successful install.
	SkipWaiting bool
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// PrecacheReport summarizes one precache run.
type PrecacheReport struct {
	Stored []string
	Failed map[string]string
}

// Manager owns version transitions.
type Manager struct {
	storage     cache.Storage
	naming      category.Naming
	prefetcher  Prefetcher
	scope       *url.URL
	skipWaiting bool
	logger      *slog.Logger
	metrics     *metrics.Recorder

	mu            sync.Mutex
	state         State
	paths         []string
	skipRequested bool

	controlling atomic.Bool
}

// NewManager validates opts and returns a Manager in the parsed state.
func NewManager(opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("lifecycle: storage required")
	}
	if opts.Prefetcher == nil {
		return nil, errors.New("lifecycle: prefetcher required")
	}
	if opts.Scope == nil || opts.Scope.Scheme == "" || opts.Scope.Host == "" {
		return nil, errors.New("lifecycle: absolute scope url required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage:     opts.Storage,
		naming:      opts.Naming,
		prefetcher:  opts.Prefetcher,
		scope:       opts.Scope,
		skipWaiting: opts.SkipWaiting,
		logger:      logger.With(slog.String("agent", "lifecycle")),
		metrics:     opts.Metrics,
		state:       StateParsed,
		paths:       slices.Clone(opts.Paths),
	}, nil
}

// State returns the current phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Controlling reports whether the worker has claimed its clients and
// intercepts requests.
func (m *Manager) Controlling() bool {
	return m.controlling.Load()
}

// FallbackURL is the absolute URL of the offline root document.
func (m *Manager) FallbackURL() string {
	return OfflineFallback(m.scope)
}

// Install opens every category store of the current version and precaches
// the shell. Individual precache failures never fail the install; a store
// that cannot be opened leaves the manager redundant.
func (m *Manager) Install(ctx context.Context) error {
	if !m.transition(StateInstalling, StateParsed) {
		return fmt.Errorf("%w: install from %s", ErrInvalidTransition, m.State())
	}
	for _, name := range m.naming.StoreNames() {
		if _, err := m.storage.Open(ctx, name); err != nil {
			m.setState(StateRedundant)
			return fmt.Errorf("lifecycle: open %s: %w", name, err)
		}
	}

	report := m.Precache(ctx, m.Paths())
	m.logger.Info("install complete",
		slog.Int("version", m.naming.Version()),
		slog.Int("precached", len(report.Stored)),
		slog.Int("failed", len(report.Failed)),
	)
	m.setState(StateInstalled)

	m.mu.Lock()
	activateNow := m.skipWaiting || m.skipRequested
	m.mu.Unlock()
	if !activateNow {
		return nil
	}
	if err := m.Activate(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return nil
}

// Activate deletes every store outside the current version's set, then
// claims control.
func (m *Manager) Activate(ctx context.Context) error {
	if !m.transition(StateActivating, StateInstalled) {
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, m.State())
	}
	deleted, err := m.deleteStale(ctx)
	if err != nil {
		m.logger.Warn("stale store cleanup incomplete", slog.String("error", err.Error()))
	}
	m.setState(StateActivated)
	m.controlling.Store(true)
	m.logger.Info("activated",
		slog.Int("version", m.naming.Version()),
		slog.Any("deleted", deleted),
	)
	return nil
}

// SkipWaiting forces a waiting worker to activate. Requested during install
// it is latched and applied once install finishes. In any other state it is
// a no-op.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	if state == StateParsed || state == StateInstalling {
		m.skipRequested = true
	}
	m.mu.Unlock()

	if state != StateInstalled {
		return nil
	}
	err := m.Activate(ctx)
	if errors.Is(err, ErrInvalidTransition) {
		// Another caller activated first.
		return nil
	}
	return err
}

// Paths returns the current precache paths.
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.paths)
}

// UpdatePaths replaces the precache paths and, once installed, re-runs the
// precache into the current shell store.
func (m *Manager) UpdatePaths(ctx context.Context, paths []string) PrecacheReport {
	m.mu.Lock()
	m.paths = slices.Clone(paths)
	state := m.state
	m.mu.Unlock()

	if state != StateInstalled && state != StateActivating && state != StateActivated {
		return PrecacheReport{Failed: map[string]string{}}
	}
	report := m.Precache(ctx, paths)
	m.logger.Info("precache refreshed",
		slog.Int("precached", len(report.Stored)),
		slog.Int("failed", len(report.Failed)),
	)
	return report
}

// Precache fetches every path into the shell store. Each path is attempted
// independently; failures are logged and reported, never returned.
func (m *Manager) Precache(ctx context.Context, paths []string) PrecacheReport {
	urls := ResolvePaths(m.scope, paths)
	report := PrecacheReport{Failed: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for _, target := range urls {
		g.Go(func() error {
			err := m.prefetcher.Prefetch(gctx, target, category.Shell)
			m.metrics.ObservePrecache(err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("precache failed", slog.String("url", target), slog.String("error", err.Error()))
				report.Failed[target] = err.Error()
				return nil
			}
			report.Stored = append(report.Stored, target)
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(report.Stored)
	return report
}

func (m *Manager) deleteStale(ctx context.Context) ([]string, error) {
	existing, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list stores: %w", err)
	}
	stale := category.StaleStores(m.naming, existing)
	if len(stale) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var deleted []string
	var g errgroup.Group
	for _, name := range stale {
		g.Go(func() error {
			ok, err := m.storage.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("lifecycle: delete %s: %w", name, err)
			}
			if ok {
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	slices.Sort(deleted)
	return deleted, err
}

func (m *Manager) transition(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, m.state) {
		return false
	}
	m.state = to
	m.metrics.ObserveTransition(string(to))
	return true
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = to
	m.metrics.ObserveTransition(string(to))
}

// BasePath derives the deployment base path from the scope: its path with
// trailing slashes collapsed to one, or "/".
func BasePath(scope *url.URL) string {
	if scope == nil {
		return "/"
	}
	trimmed := strings.TrimRight(scope.Path, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed + "/"
}

// ResolvePaths turns precache paths into absolute URLs under the scope's
// origin and base path. Absolute URLs are kept as they are. Duplicates are
// dropped.
func ResolvePaths(scope *url.URL, paths []string) []string {
	if scope == nil {
		return nil
	}
	base := BasePath(scope)
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		var resolved string
		if u, err := url.Parse(p); err == nil && u.Scheme != "" && u.Host != "" {
			resolved = u.String()
		} else {
			resolved = scope.Scheme + "://" + scope.Host + base + strings.TrimLeft(p, "/")
		}
		if _, ok := seen[resolved]; ok {
			continue
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	}
	return out
}

// OfflineFallback is the absolute URL of the root document served to
// navigations that neither the network nor the cache can answer.
func OfflineFallback(scope *url.URL) string {
	if scope == nil {
		return ""
	}
	return scope.Scheme + "://" + scope.Host + BasePath(scope) + "index.html"
}
