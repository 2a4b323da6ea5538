package observation

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoSnapshot is returned before the first cycle has published.
	ErrNoSnapshot = errors.New("no observation snapshot published yet")
)

// Cache holds the latest full-cycle snapshot. Publication replaces the whole
// snapshot atomically: readers see either the previous complete cycle or the
// new complete cycle, never a mixture.
type Cache struct {
	mu       sync.RWMutex
	snapshot *CycleSnapshot

	// ttl marks a snapshot stale when no newer cycle lands within the window.
	// Zero means snapshots never go stale.
	ttl time.Duration
}

// NewCache creates a Cache with the given staleness window.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// Publish installs a completed cycle snapshot.
func (c *Cache) Publish(snap *CycleSnapshot) {
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

// Snapshot returns the current snapshot and whether it is stale. Stale data
// remains readable; consumers decide how to degrade.
func (c *Cache) Snapshot() (*CycleSnapshot, bool, error) {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()

	if snap == nil {
		return nil, false, ErrNoSnapshot
	}
	stale := c.ttl > 0 && time.Since(snap.Timestamp) > c.ttl
	return snap, stale, nil
}

// LastCycle returns the timestamp of the latest published cycle, or zero.
func (c *Cache) LastCycle() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return time.Time{}
	}
	return c.snapshot.Timestamp
}
