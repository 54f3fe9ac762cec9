package strategy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request is the canonical identity of an intercepted request plus the
// headers forwarded to the network.
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Navigate bool
}

// NewGetRequest builds a GET request for an absolute http(s) URL.
func NewGetRequest(raw string) (Request, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Request{}, fmt.Errorf("strategy: missing url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return Request{}, fmt.Errorf("strategy: parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Request{}, fmt.Errorf("strategy: url must be absolute http(s): %q", raw)
	}
	return Request{Method: http.MethodGet, URL: u, Header: http.Header{}}, nil
}

// Key is the store key: method and absolute URL including the query.
func (r Request) Key() string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	if r.URL == nil {
		return method + " "
	}
	return method + " " + r.URL.String()
}

var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

// Unconditional returns a copy of r without validator headers, so the
// network answers with a full body that can be stored.
func (r Request) Unconditional() Request {
	if r.Header == nil {
		return r
	}
	h := r.Header.Clone()
	for _, name := range conditionalHeaders {
		h.Del(name)
	}
	r.Header = h
	return r
}
