package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/cachectrl/internal/runtime/cache"
	"github.com/l0p7/cachectrl/internal/runtime/routing"
	"github.com/l0p7/cachectrl/internal/runtime/strategy"
)

func (w *Worker) logRequest(ctx context.Context, req strategy.Request, decision routing.Decision, resp *cache.Response, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.String("category", string(decision.Category)),
		slog.String("strategy", string(decision.Strategy)),
		slog.String("rule", decision.Rule),
		slog.String("source", resp.Header.Get(strategy.SourceHeader)),
		slog.Int("http_status", resp.Status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if req.Navigate {
		attrs = append(attrs, slog.Bool("navigate", true))
	}
	w.logger.LogAttrs(ctx, slog.LevelInfo, "request served", attrs...)
}

func (w *Worker) logPassthrough(ctx context.Context, method, target string, status int, duration time.Duration) {
	if !w.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	w.logger.LogAttrs(ctx, slog.LevelDebug, "request forwarded",
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("http_status", status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
}
