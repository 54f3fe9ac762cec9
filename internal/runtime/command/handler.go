// Package command processes messages sent by the foreground application.
package command

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/cachectrl/internal/metrics"
	"github.com/l0p7/cachectrl/internal/runtime/cache"
	"github.com/l0p7/cachectrl/internal/runtime/category"
)

// Message types.
const (
	TypeSkipWaiting = "SKIP_WAITING"
	TypeCacheMedia  = "CACHE_MEDIA"
	TypeClearCache  = "CLEAR_CACHE"
)

// Message is one command. URL applies to CACHE_MEDIA, Name to CLEAR_CACHE.
type Message struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Reply is the structured answer sent back on a Port.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Port is an optional reply channel. A nil Port discards replies.
type Port chan<- Reply

// Activator forces the waiting worker to activate.
type Activator interface {
	SkipWaiting(ctx context.Context) error
}

// Prefetcher fetches one URL into a category store.
type Prefetcher interface {
	Prefetch(ctx context.Context, rawURL string, cat category.Category) error
}

// clearTargets maps CLEAR_CACHE names to categories. The shell is never
// cleared by command.
var clearTargets = map[string][]category.Category{
	"media":   {category.Media},
	"runtime": {category.Runtime},
	"icons":   {category.Icon},
	"all":     {category.Media, category.Runtime, category.Icon},
}

// Options configures a Handler.
type Options struct {
	Storage    cache.Storage
	Naming     category.Naming
	Activator  Activator
	Prefetcher Prefetcher
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Handler dispatches messages. It never returns errors to the caller;
// failures become replies or log entries.
type Handler struct {
	storage    cache.Storage
	naming     category.Naming
	activator  Activator
	prefetcher Prefetcher
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// NewHandler validates opts.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Storage == nil {
		return nil, errors.New("command: storage required")
	}
	if opts.Activator == nil {
		return nil, errors.New("command: activator required")
	}
	if opts.Prefetcher == nil {
		return nil, errors.New("command: prefetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		storage:    opts.Storage,
		naming:     opts.Naming,
		activator:  opts.Activator,
		prefetcher: opts.Prefetcher,
		logger:     logger.With(slog.String("agent", "command")),
		metrics:    opts.Metrics,
	}, nil
}

// Known reports whether msgType names a supported command.
func Known(msgType string) bool {
	switch msgType {
	case TypeSkipWaiting, TypeCacheMedia, TypeClearCache:
		return true
	default:
		return false
	}
}

// Handle processes msg and sends at most one reply on port. Unknown types
// are ignored without a reply.
func (h *Handler) Handle(ctx context.Context, msg Message, port Port) {
	switch msg.Type {
	case TypeSkipWaiting:
		h.skipWaiting(ctx)
	case TypeCacheMedia:
		reply := h.cacheMedia(ctx, msg.URL)
		h.observe(msg.Type, reply)
		send(ctx, port, reply)
	case TypeClearCache:
		reply := h.clearCache(ctx, msg.Name)
		h.observe(msg.Type, reply)
		send(ctx, port, reply)
	default:
		h.metrics.ObserveCommand("unknown", "ignored")
		h.logger.Debug("ignoring unknown command", slog.String("type", msg.Type))
	}
}

func (h *Handler) skipWaiting(ctx context.Context) {
	if err := h.activator.SkipWaiting(ctx); err != nil {
		h.metrics.ObserveCommand(TypeSkipWaiting, "error")
		h.logger.Warn("skip waiting failed", slog.String("error", err.Error()))
		return
	}
	h.metrics.ObserveCommand(TypeSkipWaiting, "ok")
}

func (h *Handler) cacheMedia(ctx context.Context, rawURL string) Reply {
	if strings.TrimSpace(rawURL) == "" {
		return Reply{Error: "missing url"}
	}
	if err := h.prefetcher.Prefetch(ctx, rawURL, category.Media); err != nil {
		h.logger.Warn("cache media failed", slog.String("url", rawURL), slog.String("error", err.Error()))
		return Reply{Error: err.Error()}
	}
	return Reply{OK: true}
}

// clearCache deletes whole category stores. It replies ok once every
// deletion settles, even when one of them failed or the name is unknown.
// Names match exactly, so "MEDIA" is unknown.
func (h *Handler) clearCache(ctx context.Context, name string) Reply {
	targets := clearTargets[name]
	var g errgroup.Group
	for _, cat := range targets {
		storeName := h.naming.StoreName(cat)
		g.Go(func() error {
			deleted, err := h.storage.Delete(ctx, storeName)
			if err != nil {
				h.logger.Warn("clear cache failed", slog.String("store", storeName), slog.String("error", err.Error()))
				return nil
			}
			h.logger.Info("cache cleared", slog.String("store", storeName), slog.Bool("existed", deleted))
			return nil
		})
	}
	_ = g.Wait()
	return Reply{OK: true}
}

func (h *Handler) observe(msgType string, reply Reply) {
	result := "ok"
	if !reply.OK {
		result = "error"
	}
	h.metrics.ObserveCommand(msgType, result)
}

func send(ctx context.Context, port Port, reply Reply) {
	if port == nil {
		return
	}
	select {
	case port <- reply:
	case <-ctx.Done():
	}
}
