package server

import (
	"net/http"
	"strings"
)

// WorkerHTTP defines the minimal surface the router needs from the runtime
// worker: the intercept handler itself plus the control routes.
type WorkerHTTP interface {
	http.Handler
	ServeMessage(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewWorkerHandler dispatches requests under controlPath to the control
// routes and hands every other request to the worker. Absolute-form proxy
// requests always reach the worker.
func NewWorkerHandler(controlPath string, w WorkerHTTP, metrics http.Handler) http.Handler {
	if w == nil {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			http.Error(rw, "worker unavailable", http.StatusServiceUnavailable)
		})
	}
	prefix := "/" + strings.Trim(controlPath, "/")
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.IsAbs() {
			w.ServeHTTP(rw, r)
			return
		}
		route, ok := parseControlRoute(prefix, r.URL.Path)
		if !ok {
			w.ServeHTTP(rw, r)
			return
		}

		switch route {
		case "message":
			if r.Method != http.MethodPost {
				rw.Header().Set("Allow", http.MethodPost)
				w.WriteError(rw, http.StatusMethodNotAllowed, "message requires POST")
				return
			}
			w.ServeMessage(rw, r)
		case "healthz":
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				rw.Header().Set("Allow", "GET, HEAD")
				w.WriteError(rw, http.StatusMethodNotAllowed, "healthz requires GET")
				return
			}
			w.ServeHealth(rw, r)
		case "metrics":
			if metrics == nil {
				w.WriteError(rw, http.StatusNotFound, "metrics disabled")
				return
			}
			metrics.ServeHTTP(rw, r)
		default:
			w.WriteError(rw, http.StatusNotFound, "unknown control route")
		}
	})
}

// parseControlRoute reports whether path addresses the control surface and
// which route it names. Paths under the prefix that name no route return an
// empty route with ok set.
func parseControlRoute(prefix, path string) (string, bool) {
	if path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	switch strings.ToLower(rest) {
	case "message", "messages":
		return "message", true
	case "health", "healthz":
		return "healthz", true
	case "metrics":
		return "metrics", true
	default:
		return "", true
	}
}
