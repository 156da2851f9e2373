package agent

import (
	"context"
	"sync"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/observability"
	"github.com/rs/zerolog"
)

// MintFunc acquires a fresh signed URL from the agent provider
type MintFunc func(ctx context.Context) (string, error)

type signedURL struct {
	url       string
	fetchedAt time.Time
}

// URLCache holds prewarmed signed URLs to the agent endpoint. Signed URLs are
// short-lived; only entries younger than the TTL are handed out. Acquisition
// is an I/O call and is never performed while holding the mutex.
type URLCache struct {
	mint   MintFunc
	ttl    time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	entries []signedURL
	target  int
}

// NewURLCache creates a signed URL cache with the given initial target size
func NewURLCache(mint MintFunc, target int, ttl time.Duration, logger zerolog.Logger) *URLCache {
	if target < 1 {
		target = 1
	}
	return &URLCache{
		mint:   mint,
		ttl:    ttl,
		target: target,
		logger: logger,
	}
}

// Get returns a signed URL younger than the TTL. Cached entries are preferred
// and replenished in the background; an empty cache falls back to a
// synchronous acquisition.
func (c *URLCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.evictStaleLocked(time.Now())
	if n := len(c.entries); n > 0 {
		entry := c.entries[n-1]
		c.entries = c.entries[:n-1]
		c.mu.Unlock()

		observability.RecordSignedURLCacheHit()
		go c.replenish()
		return entry.url, nil
	}
	c.mu.Unlock()

	observability.RecordSignedURLCacheMiss()
	return c.mint(ctx)
}

// Prewarm fills the cache up to its target size. Failures are logged and do
// not propagate; a later Get simply falls back to synchronous acquisition.
func (c *URLCache) Prewarm(ctx context.Context) {
	for {
		c.mu.Lock()
		c.evictStaleLocked(time.Now())
		need := c.target - len(c.entries)
		c.mu.Unlock()

		if need <= 0 {
			return
		}

		url, err := c.mint(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Signed URL prewarm failed")
			return
		}

		c.mu.Lock()
		c.entries = append(c.entries, signedURL{url: url, fetchedAt: time.Now()})
		c.mu.Unlock()
	}
}

// SetTarget adjusts the cache target size (driven by the call-rate predictor)
func (c *URLCache) SetTarget(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	changed := c.target != n
	c.target = n
	c.mu.Unlock()

	if changed {
		c.logger.Info().Int("target", n).Msg("Signed URL cache target adjusted")
		go c.replenish()
	}
}

// Target returns the current cache target size
func (c *URLCache) Target() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Size returns the number of fresh entries currently cached
func (c *URLCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictStaleLocked(time.Now())
	return len(c.entries)
}

func (c *URLCache) replenish() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Prewarm(ctx)
}

// evictStaleLocked drops entries older than the TTL. Caller holds the mutex.
func (c *URLCache) evictStaleLocked(now time.Time) {
	fresh := c.entries[:0]
	for _, e := range c.entries {
		if now.Sub(e.fetchedAt) < c.ttl {
			fresh = append(fresh, e)
		} else {
			observability.RecordSignedURLStaleEviction()
		}
	}
	c.entries = fresh
}
