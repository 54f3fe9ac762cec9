// Package category names the cache partitions the worker maintains and
// derives their versioned store names.
package category

import (
	"fmt"
	"strconv"
	"strings"
)

// Category tags one partition of the cache. Each category owns exactly one
// store per version.
type Category string

const (
	Shell   Category = "shell"
	Runtime Category = "runtime"
	Media   Category = "media"
	Icon    Category = "icon"
)

// All lists every category in a stable order.
var All = []Category{Shell, Runtime, Media, Icon}

// segment is the store-name fragment for each category.
var segment = map[Category]string{
	Shell:   "precache",
	Runtime: "runtime",
	Media:   "media",
	Icon:    "icons",
}

// Parse accepts a category name as written in configuration.
func Parse(value string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := segment[c]; !ok {
		return "", fmt.Errorf("category: unknown category %q", value)
	}
	return c, nil
}

// Naming maps categories to store names for one deployment version. It is an
// immutable value built once at startup.
type Naming struct {
	prefix  string
	version int
}

// NewNaming validates the prefix and version.
func NewNaming(prefix string, version int) (Naming, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return Naming{}, fmt.Errorf("category: store name prefix required")
	}
	if version < 1 {
		return Naming{}, fmt.Errorf("category: version must be positive, got %d", version)
	}
	return Naming{prefix: prefix, version: version}, nil
}

// Version returns the deployment version the names embed.
func (n Naming) Version() int { return n.version }

// StoreName returns "<prefix>-<segment>-v<version>".
func (n Naming) StoreName(c Category) string {
	return n.prefix + "-" + segment[c] + "-v" + strconv.Itoa(n.version)
}

// StoreNames returns the current version's store name for every category.
func (n Naming) StoreNames() []string {
	names := make([]string, 0, len(All))
	for _, c := range All {
		names = append(names, n.StoreName(c))
	}
	return names
}

// StaleStores returns every existing store name that does not belong to the
// current version's expected set, preserving the input order.
func StaleStores(n Naming, existing []string) []string {
	current := make(map[string]struct{}, len(All))
	for _, name := range n.StoreNames() {
		current[name] = struct{}{}
	}
	var stale []string
	for _, name := range existing {
		if _, ok := current[name]; !ok {
			stale = append(stale, name)
		}
	}
	return stale
}

// Limits holds the maximum entry count per category. Zero means unbounded.
type Limits map[Category]int

// DefaultLimits matches the observed production sizing.
func DefaultLimits() Limits {
	return Limits{Shell: 0, Runtime: 120, Media: 60, Icon: 120}
}

// For returns the limit for c, zero when unset.
func (l Limits) For(c Category) int {
	if l == nil {
		return 0
	}
	return l[c]
}
