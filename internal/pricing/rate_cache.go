package pricing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/nexus-trading/pumpsniper/internal/provider"
)

// ---------------------------------------------------------------------------
// SOL/USD rate cache: refreshed at most once per TTL, never blocks readers,
// keeps the last good rate on failure
// ---------------------------------------------------------------------------

// Config configures the rate cache.
type Config struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	InitialRate  decimal.Decimal
}

// DefaultConfig returns a 5 minute TTL.
func DefaultConfig() Config {
	return Config{
		TTL:          5 * time.Minute,
		FetchTimeout: 10 * time.Second,
		InitialRate:  decimal.Zero,
	}
}

// RateCache caches the SOL/USD rate.
type RateCache struct {
	config  Config
	sources []Source
	group   singleflight.Group
	now     func() time.Time

	mu          sync.RWMutex
	rate        decimal.Decimal
	source      string
	updatedAt   time.Time
	lastAttempt time.Time

	refreshes atomic.Int64
	failures  atomic.Int64
}

// NewRateCache creates a cache that tries sources in order.
func NewRateCache(config Config, sources ...Source) *RateCache {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &RateCache{
		config:  config,
		sources: sources,
		now:     time.Now,
		rate:    config.InitialRate,
		source:  "initial",
	}
}

// Rate returns the cached rate. When the last attempt is older than the TTL
// a background refresh starts; the caller still gets the current value.
func (c *RateCache) Rate() decimal.Decimal {
	c.mu.Lock()
	rate := c.rate
	stale := c.now().Sub(c.lastAttempt) >= c.config.TTL
	if stale {
		c.lastAttempt = c.now()
	}
	c.mu.Unlock()

	if stale {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("pricing: refresh panic recovered")
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), c.config.FetchTimeout)
			defer cancel()
			c.Refresh(ctx)
		}()
	}
	return rate
}

// Refresh fetches the rate now. Concurrent calls share one fetch. On error
// the previous rate is kept.
func (c *RateCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("sol_usd", func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *RateCache) fetch(ctx context.Context) error {
	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	attempts := make([]provider.Attempt[decimal.Decimal], 0, len(c.sources))
	for _, s := range c.sources {
		attempts = append(attempts, provider.Attempt[decimal.Decimal]{Name: s.Name(), Fetch: s.FetchSOLUSD})
	}

	rate, source, err := provider.First(ctx, attempts...)
	if err != nil {
		c.failures.Add(1)
		log.Warn().Err(err).Str("keeping", c.Current().String()).Msg("pricing: SOL/USD refresh failed")
		return err
	}

	c.mu.Lock()
	c.rate = rate
	c.source = source
	c.updatedAt = c.now()
	c.mu.Unlock()
	c.refreshes.Add(1)

	log.Debug().Str("rate", rate.String()).Str("source", source).Msg("pricing: SOL/USD refreshed")
	return nil
}

// Current returns the cached rate without triggering a refresh.
func (c *RateCache) Current() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// RateStats reports cache state.
type RateStats struct {
	Rate      string    `json:"rate"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
	Refreshes int64     `json:"refreshes"`
	Failures  int64     `json:"failures"`
}

func (c *RateCache) Stats() RateStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return RateStats{
		Rate:      c.rate.String(),
		Source:    c.source,
		UpdatedAt: c.updatedAt,
		Refreshes: c.refreshes.Load(),
		Failures:  c.failures.Load(),
	}
}
