package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Trace-Token")
	h.Add("Connection", " X-Debug ,")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("X-Trace-Token", "abc")
	h.Set("X-Debug", "1")
	h.Set("Upgrade", "websocket")
	h.Set("Accept", "text/html")

	StripHopHeaders(h)

	require.Equal(t, http.Header{"Accept": []string{"text/html"}}, h)
}

func TestHTTPFetcherForwardsEndToEndHeadersOnly(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Connection", "X-Upstream-Hop")
		w.Header().Set("X-Upstream-Hop", "1")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	req := getRequest(t, srv.URL+"/asset")
	req.Header.Set("Connection", "X-Client-Hop")
	req.Header.Set("X-Client-Hop", "1")
	req.Header.Set("Accept", "text/plain")

	resp, err := NewHTTPFetcher(srv.Client(), 0).Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "ok", string(resp.Body))
	require.Empty(t, resp.Header.Get("X-Upstream-Hop"))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Empty(t, got.Get("X-Client-Hop"))
	require.Equal(t, "text/plain", got.Get("Accept"))
}

func TestHTTPFetcherBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(srv.Close)

	t.Run("over limit", func(t *testing.T) {
		_, err := NewHTTPFetcher(srv.Client(), 16).Fetch(context.Background(), getRequest(t, srv.URL))
		require.ErrorIs(t, err, ErrBodyTooLarge)
	})

	t.Run("at limit", func(t *testing.T) {
		resp, err := NewHTTPFetcher(srv.Client(), 64).Fetch(context.Background(), getRequest(t, srv.URL))
		require.NoError(t, err)
		require.Len(t, resp.Body, 64)
	})
}
