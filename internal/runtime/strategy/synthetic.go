package strategy

import (
	"fmt"
	"net/http"

	"github.com/l0p7/cachectrl/internal/runtime/cache"
	"github.com/l0p7/cachectrl/internal/templates"
)

// SyntheticData is exposed to offline templates.
type SyntheticData struct {
	Method   string
	URL      string
	Category string
	Strategy string
	Reason   string
	Status   int
}

// SyntheticFunc builds the response returned when neither the network nor the
// cache can answer. It must never return nil.
type SyntheticFunc func(data SyntheticData) *cache.Response

// DefaultSynthetic renders a plain-text 503.
func DefaultSynthetic(data SyntheticData) *cache.Response {
	body := fmt.Sprintf("offline: %s %s is unavailable (%s)\n", data.Method, data.URL, data.Reason)
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(body),
		URL:    data.URL,
	}
}

// TemplateSynthetic renders offline bodies from tmpl. A nil template or a
// render failure falls back to DefaultSynthetic.
func TemplateSynthetic(tmpl *templates.Template, contentType string) SyntheticFunc {
	if tmpl == nil {
		return DefaultSynthetic
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	return func(data SyntheticData) *cache.Response {
		body, err := tmpl.Render(data)
		if err != nil {
			return DefaultSynthetic(data)
		}
		return &cache.Response{
			Status: data.Status,
			Header: http.Header{"Content-Type": []string{contentType}},
			Body:   body,
			URL:    data.URL,
		}
	}
}
