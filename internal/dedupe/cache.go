// ABOUTME: TTL and size bounded set of recently seen keys
// ABOUTME: The supervisor uses it to apply retried bus commands only once

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Defaults used when Options leave a field unset.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultMaxSize       = 10000
	DefaultSweepInterval = time.Minute
)

// Options configures a Cache.
type Options struct {
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration
	Now           func() time.Time
}

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers keys for TTL. Entries are kept in a list ordered by the
// time they were last marked, oldest first, so both eviction and expiry
// sweeps work from the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	sweep   time.Duration
	now     func() time.Time
}

// New creates an empty Cache.
func New(optFns ...func(o *Options)) *Cache {
	opts := Options{
		TTL:           DefaultTTL,
		MaxSize:       DefaultMaxSize,
		SweepInterval: DefaultSweepInterval,
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		sweep:   opts.SweepInterval,
		now:     opts.Now,
	}
}

// Seen marks key and reports whether it was already marked within the TTL.
// Checking and marking happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return true
		}
		e.seen = now
		c.order.MoveToBack(el)
		return false
	}

	for c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Contains reports whether key is marked and unexpired, without marking it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).seen) < c.ttl
}

// Forget removes key so the next Seen reports it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of tracked keys, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep drops expired keys and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seen) < c.ttl {
			break
		}
		c.removeLocked(el)
		removed++
	}
	return removed
}

// Run sweeps expired keys every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.index, e.key)
}
