package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"milestone-service/internal/model"
	"milestone-service/pkg/metrics"
)

// RateEntry is an immutable conversion-rate table for one UTC day. Rates map
// a currency code to the value of 1 ETH in that currency.
type RateEntry struct {
	Timestamp int64                          `json:"timestamp"`
	Rates     map[model.Fiat]decimal.Decimal `json:"rates"`
}

// Rate returns the rate for code, or zero if the code is unknown.
func (e *RateEntry) Rate(code model.Fiat) decimal.Decimal {
	if e == nil {
		return decimal.Zero
	}
	return e.Rates[code]
}

// DayKey normalizes date to 00:00:00 UTC of its calendar day and returns the
// unix-seconds cache key.
func DayKey(date time.Time) int64 {
	d := date.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// Cache memoizes conversion-rate tables by UTC day. Entries are append-only
// and never refetched for the same day within a process lifetime; Redis holds
// a shared second level so restarts and sibling instances reuse fetches.
// A racing pair of lookups for the same day may issue a duplicate fetch; the
// second result overwrites an identical entry, which is harmless.
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]*RateEntry

	endpoint string
	client   *http.Client
	rdb      *redis.Client
	logger   *zap.Logger
}

// NewCache creates a rate cache backed by the given HTTP endpoint. rdb may be
// nil to disable the Redis level.
func NewCache(endpoint string, rdb *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{
		entries:  make(map[int64]*RateEntry),
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		rdb:      rdb,
		logger:   logger.With(zap.String("component", "rate_cache")),
	}
}

// Get returns the rate table covering date. Cache hits and misses share the
// same contract; callers must not rely on resolution timing. A fetch failure
// propagates and leaves the cache unmodified.
func (c *Cache) Get(ctx context.Context, date time.Time) (*RateEntry, error) {
	key := DayKey(date)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		metrics.RecordRateLookup("memory")
		return entry, nil
	}

	if entry := c.fromRedis(ctx, key); entry != nil {
		c.store(key, entry)
		metrics.RecordRateLookup("redis")
		return entry, nil
	}

	// Fetch is keyed by the original date, not the normalized day start;
	// the upstream service does its own day bucketing.
	entry, err := c.fetch(ctx, date)
	if err != nil {
		return nil, err
	}
	entry.Timestamp = key

	c.store(key, entry)
	c.toRedis(ctx, key, entry)
	metrics.RecordRateLookup("fetch")
	return entry, nil
}

func (c *Cache) store(key int64, entry *RateEntry) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, date time.Time) (*RateEntry, error) {
	u := fmt.Sprintf("%s?date=%s", c.endpoint, url.QueryEscape(date.UTC().Format(time.RFC3339)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	res, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("rate fetch failed", zap.Error(err))
		return nil, fmt.Errorf("rate fetch failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		c.logger.Error("rate endpoint returned error",
			zap.Int("status", res.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, fmt.Errorf("rate endpoint returned status %d", res.StatusCode)
	}

	var entry RateEntry
	if err := json.NewDecoder(res.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("failed to decode rate response: %w", err)
	}
	return &entry, nil
}

func (c *Cache) fromRedis(ctx context.Context, key int64) *RateEntry {
	if c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis rate lookup failed", zap.Error(err))
		}
		return nil
	}
	var entry RateEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("corrupt rate entry in redis", zap.Int64("key", key), zap.Error(err))
		return nil
	}
	return &entry
}

func (c *Cache) toRedis(ctx context.Context, key int64, entry *RateEntry) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// Historical rates never change, so no TTL.
	if err := c.rdb.Set(ctx, redisKey(key), raw, 0).Err(); err != nil {
		c.logger.Warn("failed to cache rate entry in redis", zap.Error(err))
	}
}

func redisKey(key int64) string {
	return fmt.Sprintf("rates:%d", key)
}
