// Package cache provides an in-memory TTL cache with pattern-based
// clearing and a background sweeper.
package cache

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// nonSerializableEstimate is charged against entries whose value
// cannot be JSON-marshaled when estimating memory usage.
const nonSerializableEstimate = 100

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of cache contents.
type Stats struct {
	TotalEntries   int `json:"total_entries"`
	ActiveEntries  int `json:"active_entries"`
	ExpiredEntries int `json:"expired_entries"`
	EstimatedBytes int `json:"estimated_memory_bytes"`
}

// Cache is a mutex-serialized key/value store with per-entry expiry.
//
// Expiry is enforced on every read; the background sweeper only
// reclaims memory earlier and is not needed for correctness.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	defaultTTL      time.Duration
	cleanupInterval time.Duration

	clock  clock.Clock
	logger zerolog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper.
//
// defaultTTLSeconds applies when Set is called with a non-positive
// TTL. A non-positive cleanupIntervalSeconds disables the sweeper;
// reads still expire entries on their own.
func New(defaultTTLSeconds, cleanupIntervalSeconds int, clk clock.Clock, logger zerolog.Logger) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache{
		entries:         make(map[string]entry),
		defaultTTL:      time.Duration(defaultTTLSeconds) * time.Second,
		cleanupInterval: time.Duration(cleanupIntervalSeconds) * time.Second,
		clock:           clk,
		logger:          logger.With().Str("component", "cache").Logger(),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	if c.cleanupInterval > 0 {
		go c.sweep()
	} else {
		close(c.done)
	}

	return c
}

// Get returns the live value for key. Expired entries are removed on
// the way and reported as a miss; a miss is a normal outcome.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(c.clock.Now()) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttlSeconds uses the
// configured default TTL.
func (c *Cache) Set(key string, value any, ttlSeconds int) {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

// Delete removes key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Clear removes entries and returns how many were removed. An empty
// pattern removes everything; otherwise only keys matching the
// pattern (anchored at the start of the key) are removed. An invalid
// pattern is an error and removes nothing.
func (c *Cache) Clear(pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		cleared := len(c.entries)
		c.entries = make(map[string]entry)
		c.logger.Info().Int("cleared", cleared).Msg("cleared all cache entries")
		return cleared, nil
	}

	re, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			cleared++
		}
	}
	c.logger.Info().Int("cleared", cleared).Str("pattern", pattern).Msg("cleared cache entries")
	return cleared, nil
}

// Keys returns the live keys, optionally filtered by an anchored
// pattern with the same semantics as Clear.
func (c *Cache) Keys(pattern string) ([]string, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		if re, err = compilePattern(pattern); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	keys := make([]string, 0, len(c.entries))
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			continue
		}
		if re == nil || re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Exists reports whether key holds a live entry, removing it when
// expired.
func (c *Cache) Exists(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Touch extends the TTL of a live entry without changing its value.
// Absent or expired keys return false; expired entries are removed
// rather than resurrected.
func (c *Cache) Touch(key string, ttlSeconds int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	now := c.clock.Now()
	if !e.expiresAt.After(now) {
		delete(c.entries, key)
		return false
	}

	e.expiresAt = now.Add(time.Duration(ttlSeconds) * time.Second)
	c.entries[key] = e
	return true
}

// Stats summarizes cache contents against the current time. The byte
// estimate is the JSON-serialized size of keys and values; values
// that fail to marshal are counted with a flat fallback.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	stats := Stats{TotalEntries: len(c.entries)}
	for key, e := range c.entries {
		if e.expiresAt.After(now) {
			stats.ActiveEntries++
		} else {
			stats.ExpiredEntries++
		}

		stats.EstimatedBytes += len(key)
		if data, err := json.Marshal(e.value); err == nil {
			stats.EstimatedBytes += len(data)
		} else {
			stats.EstimatedBytes += nonSerializableEstimate
		}
	}
	return stats
}

// Shutdown stops the sweeper, waits for it to exit, and drops all
// entries. It is idempotent and safe when the sweeper never started.
func (c *Cache) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done

	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	c.logger.Info().Msg("cache shutdown complete")
}

// sweep periodically removes expired entries until Shutdown.
func (c *Cache) sweep() {
	defer close(c.done)

	ticker := c.clock.Ticker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			c.logger.Debug().Msg("cache sweeper stopped")
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("swept expired cache entries")
	}
}

// compilePattern anchors pattern at the start of the key, matching
// prefix-style clearing against untrusted keys. Invalid patterns
// fail instead of matching everything.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("cache: invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}
