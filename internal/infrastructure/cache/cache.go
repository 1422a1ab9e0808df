// Package cache holds short-lived lookups of platform data.
package cache

import (
	"time"

	"github.com/maypok86/otter"
)

// GroupNames caches group display names by group id. A zero TTL disables
// caching so every lookup goes to the platform.
type GroupNames struct {
	cache   *otter.Cache[string, string]
	enabled bool
}

// NewGroupNames builds a cache holding up to capacity names for ttl.
func NewGroupNames(capacity int, ttl time.Duration) (*GroupNames, error) {
	g := &GroupNames{}
	if ttl <= 0 {
		return g, nil
	}
	c, err := otter.MustBuilder[string, string](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, err
	}
	g.cache = &c
	g.enabled = true
	return g, nil
}

func (g *GroupNames) Get(groupID string) (string, bool) {
	if !g.enabled {
		return "", false
	}
	return g.cache.Get(groupID)
}

func (g *GroupNames) Set(groupID, name string) {
	if !g.enabled {
		return
	}
	g.cache.Set(groupID, name)
}

// Close releases the cache's background goroutines.
func (g *GroupNames) Close() {
	if g.enabled {
		g.cache.Close()
	}
}
