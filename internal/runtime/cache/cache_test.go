package cache

import (
	"context"
	"net/http"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func storageBackends(t *testing.T) map[string]func(t *testing.T) Storage {
	t.Helper()
	return map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage {
			return NewMemory()
		},
		"redis": func(t *testing.T) Storage {
			server, err := miniredis.Run()
			require.NoError(t, err)
			t.Cleanup(server.Close)
			storage, err := NewRedis(RedisConfig{Address: server.Addr(), Namespace: "test"})
			require.NoError(t, err)
			t.Cleanup(func() { _ = storage.Close(context.Background()) })
			return storage
		},
	}
}

func okResponse(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		URL:    "https://example.com/" + body,
	}
}

func TestStorageStoreRoundTrip(t *testing.T) {
	for name, build := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := build(t)

			store, err := storage.Open(ctx, "cachectrl-media-v1")
			require.NoError(t, err)
			require.Equal(t, "cachectrl-media-v1", store.Name())

			_, ok, err := store.Get(ctx, "GET https://example.com/a.png")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Put(ctx, "GET https://example.com/a.png", okResponse("a")))
			got, ok, err := store.Get(ctx, "GET https://example.com/a.png")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, http.StatusOK, got.Status)
			require.Equal(t, []byte("a"), got.Body)
			require.Equal(t, "text/plain", got.Header.Get("Content-Type"))

			removed, err := store.Delete(ctx, "GET https://example.com/a.png")
			require.NoError(t, err)
			require.True(t, removed)
			removed, err = store.Delete(ctx, "GET https://example.com/a.png")
			require.NoError(t, err)
			require.False(t, removed)
		})
	}
}

func TestStorageKeysFollowInsertionOrder(t *testing.T) {
	for name, build := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, err := build(t).Open(ctx, "runtime")
			require.NoError(t, err)

			for _, key := range []string{"a", "b", "c"} {
				require.NoError(t, store.Put(ctx, key, okResponse(key)))
			}
			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b", "c"}, keys)

			// Reads never refresh position; rewrites move the key to the newest slot.
			_, _, err = store.Get(ctx, "a")
			require.NoError(t, err)
			keys, err = store.Keys(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b", "c"}, keys)

			require.NoError(t, store.Put(ctx, "a", okResponse("a2")))
			keys, err = store.Keys(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"b", "c", "a"}, keys)

			got, ok, err := store.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("a2"), got.Body)
		})
	}
}

func TestStorageDeleteIsolatesStores(t *testing.T) {
	for name, build := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := build(t)

			media, err := storage.Open(ctx, "media")
			require.NoError(t, err)
			runtime, err := storage.Open(ctx, "runtime")
			require.NoError(t, err)
			require.NoError(t, media.Put(ctx, "m", okResponse("m")))
			require.NoError(t, runtime.Put(ctx, "r", okResponse("r")))

			names, err := storage.Names(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"media", "runtime"}, names)

			deleted, err := storage.Delete(ctx, "media")
			require.NoError(t, err)
			require.True(t, deleted)
			deleted, err = storage.Delete(ctx, "media")
			require.NoError(t, err)
			require.False(t, deleted)

			names, err = storage.Names(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"runtime"}, names)

			_, ok, err := runtime.Get(ctx, "r")
			require.NoError(t, err)
			require.True(t, ok)

			reopened, err := storage.Open(ctx, "media")
			require.NoError(t, err)
			keys, err := reopened.Keys(ctx)
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

func TestStorageRejectsWritesThroughStaleHandle(t *testing.T) {
	for name, build := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := build(t)

			stale, err := storage.Open(ctx, "media")
			require.NoError(t, err)
			_, err = storage.Delete(ctx, "media")
			require.NoError(t, err)

			require.ErrorIs(t, stale.Put(ctx, "late", okResponse("late")), ErrStoreGone)

			fresh, err := storage.Open(ctx, "media")
			require.NoError(t, err)
			require.ErrorIs(t, stale.Put(ctx, "late", okResponse("late")), ErrStoreGone)
			keys, err := fresh.Keys(ctx)
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

func TestResponseCloneIsDeep(t *testing.T) {
	original := okResponse("body")
	clone := original.Clone()
	clone.Header.Set("Content-Type", "text/html")
	clone.Body[0] = 'B'
	require.Equal(t, "text/plain", original.Header.Get("Content-Type"))
	require.Equal(t, []byte("body"), original.Body)

	var nilResp *Response
	require.Nil(t, nilResp.Clone())
}

func TestNewRedisRequiresAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}
