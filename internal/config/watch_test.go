package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchManifestReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "precache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths:\n  - index.html\n"), 0o600))

	changeCh := make(chan Manifest, 4)
	errCh := make(chan error, 4)
	watcher, err := WatchManifest(ctx, path, func(m Manifest) {
		changeCh <- m
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("paths:\n  - index.html\n  - app.js\n"), 0o600))

	select {
	case m := <-changeCh:
		require.Equal(t, []string{"index.html", "app.js"}, m.Paths)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for manifest reload")
	}
}

func TestWatchManifestReportsParseErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "precache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths:\n  - index.html\n"), 0o600))

	errCh := make(chan error, 4)
	watcher, err := WatchManifest(ctx, path, func(Manifest) {}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("paths: []\n"), 0o600))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for manifest error")
	}
}

func TestWatchManifestRequiresCallback(t *testing.T) {
	_, err := WatchManifest(context.Background(), "precache.yaml", nil, nil)
	require.Error(t, err)
}

func TestManifestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "precache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths:\n  - index.html\n"), 0o600))
	watcher, err := WatchManifest(context.Background(), path, func(Manifest) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()

	var nilWatcher *ManifestWatcher
	nilWatcher.Stop()
}
