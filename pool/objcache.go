package pool

// Cache is a LIFO object cache for a single goroutine. There is no
// synchronization on any path: the intended discipline is one cache per
// worker goroutine per type, the way a thread-local allocator cache would be
// laid out. Sharing a Cache across goroutines is a caller bug.
//
// The cache sizes itself to the workload. Every AdjustInterval operations it
// looks at the hit ratio: above GrowthThreshold the capacity doubles (up to
// CapSize), below ShrinkThreshold it halves (down to MinSize), dropping any
// cached objects that no longer fit.
type Cache[T any] struct {
	cfg     CacheConfig
	slots   []T
	maxSize int

	hits    uint64
	misses  uint64
	flushes uint64
	ops     int

	newFn     func() T
	resetFn   func(T) T
	destroyFn func(T)
}

// CacheConfig tunes a Cache. Zero values take the defaults below.
type CacheConfig struct {
	MinSize         int     // lower bound for the adaptive capacity (default 8)
	MaxSize         int     // starting capacity (default 32)
	CapSize         int     // upper bound for the adaptive capacity (default 256)
	GrowthThreshold float64 // grow when hit ratio exceeds this (default 0.8)
	ShrinkThreshold float64 // shrink when hit ratio drops below this (default 0.2)
	AdjustInterval  int     // operations between adjustment checks (default 100)
	Adaptive        bool    // enable adaptive sizing (default true via DefaultCacheConfig)
}

// DefaultCacheConfig returns the standard adaptive configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MinSize:         8,
		MaxSize:         32,
		CapSize:         256,
		GrowthThreshold: 0.8,
		ShrinkThreshold: 0.2,
		AdjustInterval:  100,
		Adaptive:        true,
	}
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Flushes uint64
	Count   int
	MaxSize int
}

// NewCache creates a cache backed by newFn.
//
// newFn produces a fresh object on a miss and is required. resetFn, when
// non-nil, reinitializes a cached object on a hit. destroyFn, when non-nil,
// runs on every object entering the cache or routed back to the allocator,
// releasing whatever the object holds beyond its own memory.
func NewCache[T any](cfg CacheConfig, newFn func() T, resetFn func(T) T, destroyFn func(T)) *Cache[T] {
	def := DefaultCacheConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.CapSize <= 0 {
		cfg.CapSize = def.CapSize
	}
	if cfg.GrowthThreshold <= 0 {
		cfg.GrowthThreshold = def.GrowthThreshold
	}
	if cfg.ShrinkThreshold <= 0 {
		cfg.ShrinkThreshold = def.ShrinkThreshold
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = def.AdjustInterval
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.CapSize < cfg.MaxSize {
		cfg.CapSize = cfg.MaxSize
	}

	return &Cache[T]{
		cfg:       cfg,
		slots:     make([]T, 0, cfg.MaxSize),
		maxSize:   cfg.MaxSize,
		newFn:     newFn,
		resetFn:   resetFn,
		destroyFn: destroyFn,
	}
}

// Get pops a cached object or allocates a fresh one.
func (c *Cache[T]) Get() T {
	c.ops++

	if n := len(c.slots); n > 0 {
		v := c.slots[n-1]
		var zero T
		c.slots[n-1] = zero
		c.slots = c.slots[:n-1]
		c.hits++
		if c.resetFn != nil {
			v = c.resetFn(v)
		}
		return v
	}

	c.misses++
	if c.cfg.Adaptive && c.ops >= c.cfg.AdjustInterval {
		c.adjust()
	}
	return c.newFn()
}

// Put returns an object to the cache. When the cache is full the object is
// simply dropped for the collector, the moral equivalent of routing it back
// to the backing allocator.
func (c *Cache[T]) Put(v T) {
	c.ops++

	if c.destroyFn != nil {
		c.destroyFn(v)
	}
	if len(c.slots) < c.maxSize {
		c.slots = append(c.slots, v)
	}
}

// adjust doubles or halves maxSize based on the observed hit ratio.
func (c *Cache[T]) adjust() {
	total := c.hits + c.misses
	if total == 0 {
		c.ops = 0
		return
	}
	ratio := float64(c.hits) / float64(total)

	switch {
	case ratio > c.cfg.GrowthThreshold && c.maxSize < c.cfg.CapSize:
		c.maxSize *= 2
		if c.maxSize > c.cfg.CapSize {
			c.maxSize = c.cfg.CapSize
		}
	case ratio < c.cfg.ShrinkThreshold && c.maxSize > c.cfg.MinSize:
		c.maxSize /= 2
		if c.maxSize < c.cfg.MinSize {
			c.maxSize = c.cfg.MinSize
		}
		if len(c.slots) > c.maxSize {
			// Drop the excess; anything cached beyond the new bound
			// goes back to the collector.
			for i := c.maxSize; i < len(c.slots); i++ {
				var zero T
				c.slots[i] = zero
			}
			c.slots = c.slots[:c.maxSize]
		}
	}
	c.ops = 0
}

// Flush drops every cached object.
func (c *Cache[T]) Flush() {
	for i := range c.slots {
		var zero T
		c.slots[i] = zero
	}
	c.slots = c.slots[:0]
	c.flushes++
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[T]) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Flushes: c.flushes,
		Count:   len(c.slots),
		MaxSize: c.maxSize,
	}
}
