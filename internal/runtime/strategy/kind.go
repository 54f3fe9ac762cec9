package strategy

import (
	"fmt"
	"strings"
)

// Kind selects how a request is answered.
type Kind string

const (
	// NetworkFirst prefers a fresh response and falls back to the cache
	// when the network is unreachable.
	NetworkFirst Kind = "network-first"
	// CacheFirst answers from the cache and only fetches on a miss.
	CacheFirst Kind = "cache-first"
	// StaleWhileRevalidate answers from the cache while refreshing it in
	// the background.
	StaleWhileRevalidate Kind = "stale-while-revalidate"
	// Page is network-first for navigations with the offline document as
	// last resort.
	Page Kind = "page"
)

// ParseKind accepts a strategy name as written in configuration.
func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(value)))
	switch k {
	case NetworkFirst, CacheFirst, StaleWhileRevalidate, Page:
		return k, nil
	default:
		return "", fmt.Errorf("strategy: unknown strategy %q", value)
	}
}
