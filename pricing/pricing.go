// Package pricing holds the in-memory alias->multiplier cache consumed by
// UsageMeter. Updates are atomic copy-on-write replacements so concurrent
// readers never observe a half-updated map, per spec.md §5 "shared resources".
package pricing

import "sync/atomic"

// Loader fetches the currently-active pricing version's alias->multiplier
// map from the persistence facade. Implemented by package store.
type Loader interface {
	LoadActivePricing() (version string, multipliers map[string]float64, err error)
}

// Cache is a process-wide, reloadable alias->multiplier lookup.
type Cache struct {
	snapshot atomic.Pointer[snapshot]
	loader   Loader
}

type snapshot struct {
	version     string
	multipliers map[string]float64
}

// NewCache constructs a Cache and performs an initial load. If the initial
// load fails, the cache starts empty (every alias falls back to 1.0) and the
// error is returned so the caller can log it; this matches the teacher's
// PricingConfig.LoadFromFile soft-failure behavior.
func NewCache(loader Loader) (*Cache, error) {
	c := &Cache{loader: loader}
	err := c.Reload()
	return c, err
}

// Reload replaces the whole map atomically.
func (c *Cache) Reload() error {
	version, multipliers, err := c.loader.LoadActivePricing()
	if err != nil {
		c.snapshot.Store(&snapshot{multipliers: map[string]float64{}})
		return err
	}
	if multipliers == nil {
		multipliers = map[string]float64{}
	}
	c.snapshot.Store(&snapshot{version: version, multipliers: multipliers})
	return nil
}

// Get returns the multiplier for alias, or 1.0 if unknown.
func (c *Cache) Get(alias string) float64 {
	snap := c.snapshot.Load()
	if snap == nil {
		return 1.0
	}
	if m, ok := snap.multipliers[alias]; ok {
		return m
	}
	return 1.0
}

// ActiveVersion returns the label of the currently loaded pricing version.
func (c *Cache) ActiveVersion() string {
	snap := c.snapshot.Load()
	if snap == nil {
		return ""
	}
	return snap.version
}

// All returns a copy of the current alias->multiplier map, for diagnostics.
func (c *Cache) All() map[string]float64 {
	snap := c.snapshot.Load()
	out := make(map[string]float64, len(snap.multipliers))
	for k, v := range snap.multipliers {
		out[k] = v
	}
	return out
}
