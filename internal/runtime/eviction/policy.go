// Package eviction bounds a store's size by dropping its oldest entries.
//
// Ordering comes from the store's natural key enumeration, which is insertion
// order. Reads do not refresh an entry's position; only a rewrite does. The
// result approximates LRU without tracking access times.
package eviction

import (
	"context"
	"fmt"

	"github.com/l0p7/cachectrl/internal/runtime/cache"
)

// Trim deletes the count-limit oldest keys when the store holds more than
// limit entries and reports how many were removed. A limit of zero or less
// leaves the store unbounded. Running Trim on a store already within its
// limit is a no-op.
//
// Trim may race with concurrent writers, so the bound is eventual: a key
// written between enumeration and deletion can survive or be evicted.
func Trim(ctx context.Context, store cache.Store, limit int) (int, error) {
	if store == nil || limit <= 0 {
		return 0, nil
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("eviction: list %s: %w", store.Name(), err)
	}
	extra := len(keys) - limit
	if extra <= 0 {
		return 0, nil
	}
	removed := 0
	for _, key := range keys[:extra] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := store.Delete(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("eviction: delete %s from %s: %w", key, store.Name(), err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
