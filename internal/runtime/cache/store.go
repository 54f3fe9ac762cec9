package cache

import (
	"context"
	"errors"
	"net/http"
)

// ErrStoreGone reports a write against a store handle whose store was deleted
// (or deleted and recreated) after the handle was opened. Callers that write
// from detached background work treat it as a no-op.
var ErrStoreGone = errors.New("cache: store deleted")

// Response is a stored copy of a successful network response.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
	URL    string      `json:"url,omitempty"`
}

// Clone returns a deep copy so callers can mutate headers without touching
// the stored value.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Status: r.Status, URL: r.URL, Header: r.Header.Clone()}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Store is one named key → response mapping. Keys enumerate in insertion
// order, oldest first; Put on an existing key moves it to the newest slot.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage is the collection of named stores. Open creates the store when it
// does not exist yet.
type Storage interface {
	Open(ctx context.Context, name string) (Store, error)
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}
