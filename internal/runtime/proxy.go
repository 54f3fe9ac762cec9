package runtime

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/l0p7/cachectrl/internal/runtime/strategy"
)

// passthrough forwards r to target and streams the answer back without
// touching any cache store.
func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request, target *url.URL) {
	start := time.Now()
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		w.WriteError(rw, http.StatusBadGateway, "invalid upstream request")
		return
	}
	outbound.Header = r.Header.Clone()
	strategy.StripHopHeaders(outbound.Header)
	if body != nil {
		outbound.ContentLength = r.ContentLength
	}

	resp, err := w.client.Do(outbound)
	if err != nil {
		w.logger.Warn("upstream unavailable",
			slog.String("method", r.Method),
			slog.String("url", target.Redacted()),
			slog.String("error", err.Error()),
		)
		w.WriteError(rw, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	header := rw.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	strategy.StripHopHeaders(header)
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		w.logger.Debug("passthrough copy interrupted", slog.Any("error", err))
	}
	w.logPassthrough(r.Context(), r.Method, target.Redacted(), resp.StatusCode, time.Since(start))
}
