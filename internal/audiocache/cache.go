// Package audiocache is a durable, byte-bounded cache for synthesized
// speech payloads. Caching is a pure optimization: storage failures
// degrade to a miss and never reach the playback path.
package audiocache

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"methodgen-accelerator/internal/clock"
)

const (
	// Hard quota on aggregate payload bytes.
	maxBytes = 50 * 1024 * 1024

	// Size-triggered eviction drains to this fraction of the quota so
	// near-boundary inserts do not evict on every put.
	evictRatio = 0.8

	// Entries older than this are removed regardless of size pressure.
	maxAge = 30 * 24 * time.Hour
)

// Cache fronts the storage layer with the documented silent-degrade
// policy: put/get log internal errors and behave as no-op/miss.
type Cache struct {
	store *store
	clock clock.Clock
	log   *slog.Logger
}

func New(db *sql.DB, clk clock.Clock, log *slog.Logger) (*Cache, error) {
	st, err := newStore(db)
	if err != nil {
		return nil, err
	}
	return &Cache{store: st, clock: clk, log: log}, nil
}

// Put inserts or overwrites an entry, then runs a maintenance pass.
// Failures degrade to "not cached".
func (c *Cache) Put(ctx context.Context, key string, payload []byte, text, voice string) {
	entry := Entry{
		ID:        key,
		Text:      text,
		Voice:     voice,
		Payload:   payload,
		Size:      int64(len(payload)),
		CreatedAt: c.clock.NowUTC(),
	}
	if err := c.store.upsert(ctx, entry); err != nil {
		c.log.Warn("audio cache put failed", "key", key, "error", err)
		return
	}
	if err := c.maintain(ctx); err != nil {
		c.log.Warn("audio cache maintenance failed", "error", err)
	}
}

// Get returns the cached payload for key, bumping its play count on a
// hit. Failures degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := c.store.get(ctx, key)
	if err != nil {
		c.log.Warn("audio cache get failed", "key", key, "error", err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if err := c.store.bumpPlayCount(ctx, key); err != nil {
		c.log.Warn("audio cache play count update failed", "key", key, "error", err)
	}
	return entry.Payload, true
}

// Stats reports aggregate size, entry count and oldest entry age.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	return c.store.stats(ctx)
}

// Clear unconditionally empties the store.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.clear(ctx)
}

// maintain expires aged entries, then drains the least-played (oldest
// on ties) entries while the aggregate size is above the quota, down
// to the hysteresis floor.
func (c *Cache) maintain(ctx context.Context) error {
	cutoff := c.clock.NowUTC().Add(-maxAge)
	expired, err := c.store.removeOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if expired > 0 {
		c.log.Info("expired aged audio cache entries", "count", expired)
	}

	total, err := c.store.totalBytes(ctx)
	if err != nil {
		return err
	}
	if total <= maxBytes {
		return nil
	}

	target := int64(float64(maxBytes) * evictRatio)
	candidates, err := c.store.evictionOrder(ctx)
	if err != nil {
		return err
	}
	evicted := 0
	for _, cand := range candidates {
		if total <= target {
			break
		}
		if err := c.store.remove(ctx, cand.id); err != nil {
			return err
		}
		total -= cand.size
		evicted++
	}
	c.log.Info("audio cache evicted for size",
		"evicted", evicted, "total", humanize.Bytes(uint64(total)))
	return nil
}
