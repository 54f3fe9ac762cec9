package runtime

import (
	"net/http"
	"net/url"
	"strings"
)

// targetURL resolves the absolute URL a request addresses. Absolute-form
// requests (forward proxy) keep their URL; origin-form requests address the
// scope's origin.
func (w *Worker) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() && r.URL.Host != "" {
		u := *r.URL
		return &u
	}
	u := &url.URL{
		Scheme:   w.scope.Scheme,
		Host:     w.scope.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u
}

// isNavigation reports a full-page load as signalled by fetch metadata.
func isNavigation(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")), "navigate")
}
