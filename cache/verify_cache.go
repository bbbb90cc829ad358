package cache

import (
	"context"
	"fmt"
	"time"

	"track-record-engine/audit"
)

// DefaultVerifyTTL bounds how long a verification report is served from cache.
const DefaultVerifyTTL = 10 * time.Minute

// VerifyCache stores verification reports. Keys embed the chain head, so an
// append makes older entries unreachable; the TTL only reclaims memory.
type VerifyCache struct {
	redis *RedisClient
	ttl   time.Duration
}

// NewVerifyCache creates a new verify cache instance
func NewVerifyCache(redis *RedisClient, ttl time.Duration) *VerifyCache {
	if ttl <= 0 {
		ttl = DefaultVerifyTTL
	}
	return &VerifyCache{redis: redis, ttl: ttl}
}

// GetReport retrieves a cached report. Any error counts as a miss.
func (c *VerifyCache) GetReport(ctx context.Context, key string) (audit.Report, bool) {
	if c == nil || c.redis == nil {
		return audit.Report{}, false
	}
	var report audit.Report
	if err := c.redis.Get(ctx, key, &report); err != nil {
		return audit.Report{}, false
	}
	return report, true
}

// SetReport caches a report.
func (c *VerifyCache) SetReport(ctx context.Context, key string, report audit.Report) error {
	if c == nil || c.redis == nil {
		return fmt.Errorf("redis client not available")
	}
	return c.redis.Set(ctx, key, report, c.ttl)
}
