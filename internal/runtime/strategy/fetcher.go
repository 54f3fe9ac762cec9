package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/l0p7/cachectrl/internal/runtime/cache"
)

// ErrBodyTooLarge reports a response body that exceeds the fetcher's limit.
var ErrBodyTooLarge = errors.New("strategy: response body exceeds limit")

// Fetcher performs a network request. A returned error means the network could
// not produce a response at all; HTTP error statuses are returned as responses.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*cache.Response, error)
}

// HTTPDoer is the minimal client contract the fetcher needs.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPFetcher fetches over HTTP and buffers the response body so it can be
// both returned and stored.
type HTTPFetcher struct {
	client  HTTPDoer
	maxBody int64
}

// NewHTTPFetcher wraps client. maxBody <= 0 disables the body limit.
func NewHTTPFetcher(client HTTPDoer, maxBody int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, maxBody: maxBody}
}

// hopHeaders are connection-scoped and never forwarded or stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders removes connection-scoped headers in place, including any
// header named by a Connection token.
func StripHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	if req.URL == nil {
		return nil, errors.New("strategy: request url missing")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	outbound, err := http.NewRequestWithContext(ctx, method, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("strategy: build request: %w", err)
	}
	if req.Header != nil {
		outbound.Header = req.Header.Clone()
		StripHopHeaders(outbound.Header)
	}

	resp, err := f.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("strategy: fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if f.maxBody > 0 {
		reader = io.LimitReader(resp.Body, f.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("strategy: read %s: %w", req.URL.Redacted(), err)
	}
	if f.maxBody > 0 && int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, req.URL.Redacted())
	}

	header := resp.Header.Clone()
	StripHopHeaders(header)
	header.Del("Content-Length")

	finalURL := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		URL:    finalURL,
	}, nil
}
