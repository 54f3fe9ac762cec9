// Package strategy answers intercepted requests from the network, the cache,
// or both, and keeps the cache populated as a side effect.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/cachectrl/internal/metrics"
	"github.com/l0p7/cachectrl/internal/runtime/cache"
	"github.com/l0p7/cachectrl/internal/runtime/category"
	"github.com/l0p7/cachectrl/internal/runtime/eviction"
)

// SourceHeader reports which source produced a response.
const SourceHeader = "X-Cachectrl-Source"

// Source values written to SourceHeader.
const (
	SourceNetwork   = "network"
	SourceCache     = "cache"
	SourceFallback  = "fallback"
	SourceSynthetic = "synthetic"
	// SourcePassthrough marks a response the engine declined to buffer.
	// The body is empty and the caller must forward the request itself.
	SourcePassthrough = "passthrough"
)

// ErrUnexpectedStatus reports a prefetch answered with something other than 200.
var ErrUnexpectedStatus = errors.New("strategy: unexpected status")

// Options configures an Engine.
type Options struct {
	Storage cache.Storage
	Naming  category.Naming
	Limits  category.Limits
	Fetcher Fetcher
	// FallbackURL is the absolute URL of the offline root document served
	// for navigations when both network and exact cache entry are missing.
	FallbackURL string
	Synthetic   SyntheticFunc
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Engine runs caching strategies. Store writes and eviction passes run as
// tracked background work that outlives the request that triggered it.
type Engine struct {
	storage     cache.Storage
	naming      category.Naming
	limits      category.Limits
	fetcher     Fetcher
	fallbackURL string
	synthetic   SyntheticFunc
	logger      *slog.Logger
	metrics     *metrics.Recorder

	wg sync.WaitGroup
}

// NewEngine validates opts and builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("strategy: storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("strategy: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	synthetic := opts.Synthetic
	if synthetic == nil {
		synthetic = DefaultSynthetic
	}
	limits := opts.Limits
	if limits == nil {
		limits = category.DefaultLimits()
	}
	return &Engine{
		storage:     opts.Storage,
		naming:      opts.Naming,
		limits:      limits,
		fetcher:     opts.Fetcher,
		fallbackURL: opts.FallbackURL,
		synthetic:   synthetic,
		logger:      logger.With(slog.String("agent", "strategy")),
		metrics:     opts.Metrics,
	}, nil
}

// Execute answers req with the given strategy. The returned response always
// carries SourceHeader and is never nil.
func (e *Engine) Execute(ctx context.Context, req Request, kind Kind, cat category.Category) *cache.Response {
	start := time.Now()
	var resp *cache.Response
	switch kind {
	case CacheFirst:
		resp = e.CacheFirst(ctx, req, cat)
	case StaleWhileRevalidate:
		resp = e.StaleWhileRevalidate(ctx, req, cat)
	case Page:
		resp = e.Page(ctx, req)
		cat = category.Shell
	default:
		kind = NetworkFirst
		resp = e.NetworkFirst(ctx, req, cat)
	}
	e.metrics.ObserveFetch(string(cat), string(kind), resp.Header.Get(SourceHeader), resp.Status, time.Since(start))
	return resp
}

// CacheFirst returns the cached entry when present. Otherwise it fetches,
// stores a 200 in the background and returns the network result.
func (e *Engine) CacheFirst(ctx context.Context, req Request, cat category.Category) *cache.Response {
	store := e.open(ctx, cat)
	key := req.Key()
	if cached, ok := e.lookup(ctx, cat, store, key); ok {
		return withSource(cached, SourceCache)
	}
	resp, err := e.fetch(ctx, req)
	if bypass, ok := e.tooLarge(key, err); ok {
		return bypass
	}
	if err != nil {
		e.logger.Debug("network unavailable", slog.String("key", key), slog.String("error", err.Error()))
		return e.syntheticFor(req, cat, CacheFirst, err.Error())
	}
	if resp.Status == http.StatusOK {
		e.storeInBackground(ctx, cat, store, key, resp)
	}
	return withSource(resp, SourceNetwork)
}

// NetworkFirst returns the network result when the network answers at all,
// and falls back to the cache only when it does not.
func (e *Engine) NetworkFirst(ctx context.Context, req Request, cat category.Category) *cache.Response {
	store := e.open(ctx, cat)
	key := req.Key()
	resp, err := e.fetch(ctx, req)
	if bypass, ok := e.tooLarge(key, err); ok {
		return bypass
	}
	if err == nil {
		if resp.Status == http.StatusOK {
			e.storeInBackground(ctx, cat, store, key, resp)
		}
		return withSource(resp, SourceNetwork)
	}
	e.logger.Debug("network unavailable", slog.String("key", key), slog.String("error", err.Error()))
	if cached, ok := e.lookup(ctx, cat, store, key); ok {
		return withSource(cached, SourceCache)
	}
	return e.syntheticFor(req, cat, NetworkFirst, err.Error())
}

type fetchResult struct {
	resp *cache.Response
	err  error
}

// StaleWhileRevalidate always starts a network refresh. A cached entry is
// returned immediately while the refresh continues in the background;
// without one the caller waits for the network.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, req Request, cat category.Category) *cache.Response {
	store := e.open(ctx, cat)
	key := req.Key()
	cached, hit := e.lookup(ctx, cat, store, key)

	results := make(chan fetchResult, 1)
	e.background(ctx, func(bg context.Context) {
		resp, err := e.fetch(bg, req)
		results <- fetchResult{resp: resp, err: err}
		if err != nil {
			e.logger.Debug("revalidation failed", slog.String("key", key), slog.String("error", err.Error()))
			return
		}
		if resp.Status == http.StatusOK {
			e.put(bg, cat, store, key, resp)
		}
	})

	if hit {
		return withSource(cached, SourceCache)
	}
	select {
	case r := <-results:
		if bypass, ok := e.tooLarge(key, r.err); ok {
			return bypass
		}
		if r.err != nil {
			return e.syntheticFor(req, cat, StaleWhileRevalidate, r.err.Error())
		}
		return withSource(r.resp.Clone(), SourceNetwork)
	case <-ctx.Done():
		return e.syntheticFor(req, cat, StaleWhileRevalidate, ctx.Err().Error())
	}
}

// Page handles navigations: network first, then the exact cached page, then
// the cached offline root document, then a synthetic error.
func (e *Engine) Page(ctx context.Context, req Request) *cache.Response {
	store := e.open(ctx, category.Shell)
	key := req.Key()
	resp, err := e.fetch(ctx, req)
	if bypass, ok := e.tooLarge(key, err); ok {
		return bypass
	}
	if err == nil {
		if resp.Status == http.StatusOK {
			e.storeInBackground(ctx, category.Shell, store, key, resp)
		}
		return withSource(resp, SourceNetwork)
	}
	e.logger.Debug("navigation offline", slog.String("key", key), slog.String("error", err.Error()))
	if cached, ok := e.lookup(ctx, category.Shell, store, key); ok {
		return withSource(cached, SourceCache)
	}
	if e.fallbackURL != "" {
		fallbackKey := http.MethodGet + " " + e.fallbackURL
		if fallbackKey != key {
			if cached, ok := e.lookup(ctx, category.Shell, store, fallbackKey); ok {
				return withSource(cached, SourceFallback)
			}
		}
	}
	return e.syntheticFor(req, category.Shell, Page, err.Error())
}

// Prefetch fetches rawURL and stores it in cat's store, then trims the store.
// Unlike the request strategies it runs synchronously and reports failures.
func (e *Engine) Prefetch(ctx context.Context, rawURL string, cat category.Category) error {
	req, err := NewGetRequest(rawURL)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("%w %d for %s", ErrUnexpectedStatus, resp.Status, req.URL.Redacted())
	}
	name := e.naming.StoreName(cat)
	store, err := e.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("strategy: open %s: %w", name, err)
	}
	start := time.Now()
	if err := store.Put(ctx, req.Key(), resp); err != nil {
		e.metrics.ObserveWrite(string(cat), writeOutcome(err), time.Since(start))
		return fmt.Errorf("strategy: store %s: %w", req.Key(), err)
	}
	e.metrics.ObserveWrite(string(cat), metrics.WriteStored, time.Since(start))
	removed, err := eviction.Trim(ctx, store, e.limits.For(cat))
	e.metrics.ObserveEviction(string(cat), removed)
	if err != nil {
		return err
	}
	return nil
}

// Drain waits for background work to finish or ctx to end.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) background(ctx context.Context, fn func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(detached)
	}()
}

func (e *Engine) storeInBackground(ctx context.Context, cat category.Category, store cache.Store, key string, resp *cache.Response) {
	if store == nil {
		return
	}
	snapshot := resp.Clone()
	e.background(ctx, func(bg context.Context) {
		e.put(bg, cat, store, key, snapshot)
	})
}

// put writes one entry and, when it lands, runs an eviction pass.
func (e *Engine) put(ctx context.Context, cat category.Category, store cache.Store, key string, resp *cache.Response) {
	if store == nil {
		return
	}
	start := time.Now()
	err := store.Put(ctx, key, resp)
	e.metrics.ObserveWrite(string(cat), writeOutcome(err), time.Since(start))
	switch {
	case errors.Is(err, cache.ErrStoreGone):
		e.logger.Debug("store deleted before write", slog.String("store", store.Name()), slog.String("key", key))
		return
	case err != nil:
		e.logger.Warn("cache write failed", slog.String("store", store.Name()), slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	removed, err := eviction.Trim(ctx, store, e.limits.For(cat))
	e.metrics.ObserveEviction(string(cat), removed)
	if err != nil {
		e.logger.Warn("eviction failed", slog.String("store", store.Name()), slog.String("error", err.Error()))
	}
}

func (e *Engine) open(ctx context.Context, cat category.Category) cache.Store {
	name := e.naming.StoreName(cat)
	store, err := e.storage.Open(ctx, name)
	if err != nil {
		e.logger.Warn("cache store unavailable", slog.String("store", name), slog.String("error", err.Error()))
		return nil
	}
	return store
}

func (e *Engine) lookup(ctx context.Context, cat category.Category, store cache.Store, key string) (*cache.Response, bool) {
	if store == nil {
		return nil, false
	}
	start := time.Now()
	resp, ok, err := store.Get(ctx, key)
	switch {
	case err != nil:
		e.metrics.ObserveLookup(string(cat), metrics.LookupError, time.Since(start))
		e.logger.Warn("cache lookup failed", slog.String("store", store.Name()), slog.String("key", key), slog.String("error", err.Error()))
		return nil, false
	case !ok:
		e.metrics.ObserveLookup(string(cat), metrics.LookupMiss, time.Since(start))
		return nil, false
	default:
		e.metrics.ObserveLookup(string(cat), metrics.LookupHit, time.Since(start))
		return resp, true
	}
}

// fetch sends req without the client's validators. A 304 carries no body to
// store, so engine fetches always ask for the full representation.
func (e *Engine) fetch(ctx context.Context, req Request) (*cache.Response, error) {
	return e.fetcher.Fetch(ctx, req.Unconditional())
}

// tooLarge turns an oversized network body into a passthrough marker. The
// network did answer, so neither the cache nor a synthetic error applies.
func (e *Engine) tooLarge(key string, err error) (*cache.Response, bool) {
	if !errors.Is(err, ErrBodyTooLarge) {
		return nil, false
	}
	e.logger.Debug("response too large to buffer", slog.String("key", key))
	return withSource(&cache.Response{}, SourcePassthrough), true
}

// Bypassed reports whether resp is the passthrough marker.
func Bypassed(resp *cache.Response) bool {
	return resp != nil && resp.Header.Get(SourceHeader) == SourcePassthrough
}

func (e *Engine) syntheticFor(req Request, cat category.Category, kind Kind, reason string) *cache.Response {
	data := SyntheticData{
		Method:   req.Method,
		Category: string(cat),
		Strategy: string(kind),
		Reason:   reason,
		Status:   http.StatusServiceUnavailable,
	}
	if req.URL != nil {
		data.URL = req.URL.String()
	}
	return withSource(e.synthetic(data), SourceSynthetic)
}

func writeOutcome(err error) metrics.WriteOutcome {
	switch {
	case err == nil:
		return metrics.WriteStored
	case errors.Is(err, cache.ErrStoreGone):
		return metrics.WriteDropped
	default:
		return metrics.WriteError
	}
}

func withSource(resp *cache.Response, source string) *cache.Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(SourceHeader, source)
	return resp
}
