package expr

import (
	"net/http"
	"net/url"
	"strings"
)

// RouteActivation builds the variables a route condition sees. Header names
// are lowercased and only the first value of each header or query parameter
// is exposed.
func RouteActivation(method string, target *url.URL, header http.Header, navigate, sameOrigin bool) map[string]any {
	headers := make(map[string]any, len(header))
	for key, values := range header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}

	urlVars := map[string]any{
		"scheme": "",
		"host":   "",
		"path":   "",
		"query":  map[string]any{},
		"origin": "",
	}
	if target != nil {
		query := make(map[string]any)
		for key, values := range target.Query() {
			if len(values) > 0 {
				query[key] = values[0]
			}
		}
		urlVars["scheme"] = target.Scheme
		urlVars["host"] = target.Host
		urlVars["path"] = target.Path
		urlVars["query"] = query
		if target.Scheme != "" && target.Host != "" {
			urlVars["origin"] = target.Scheme + "://" + target.Host
		}
	}

	return map[string]any{
		"url": urlVars,
		"request": map[string]any{
			"method":     method,
			"navigate":   navigate,
			"sameOrigin": sameOrigin,
			"headers":    headers,
		},
	}
}
