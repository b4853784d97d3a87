package monitor

import (
	"sync"
	"time"

	"quote-guard/internal/rules"
)

// configCache holds per-channel configuration lookups. Volatility configs
// stay until explicitly invalidated; threshold configs expire on a short TTL
// so rule edits made outside this process are picked up within seconds.
type configCache struct {
	mu         sync.Mutex
	vol        map[string]rules.VolatilityConfig
	thresholds map[string]thresholdEntry
	ttl        time.Duration
	now        func() time.Time
}

type thresholdEntry struct {
	cfg       ThresholdConfig
	rule      *rules.SpreadRule
	fetchedAt time.Time
}

func newConfigCache(ttl time.Duration) *configCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &configCache{
		vol:        make(map[string]rules.VolatilityConfig),
		thresholds: make(map[string]thresholdEntry),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *configCache) volatility(channelID string) (rules.VolatilityConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.vol[channelID]
	return cfg, ok
}

func (c *configCache) setVolatility(channelID string, cfg rules.VolatilityConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vol[channelID] = cfg
}

func (c *configCache) threshold(channelID string) (ThresholdConfig, *rules.SpreadRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.thresholds[channelID]
	if !ok {
		return ThresholdConfig{}, nil, false
	}
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		delete(c.thresholds, channelID)
		return ThresholdConfig{}, nil, false
	}
	return entry.cfg, entry.rule, true
}

func (c *configCache) setThreshold(channelID string, cfg ThresholdConfig, rule *rules.SpreadRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds[channelID] = thresholdEntry{cfg: cfg, rule: rule, fetchedAt: c.now()}
}

// invalidate drops both cached entries for the channel.
func (c *configCache) invalidate(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vol, channelID)
	delete(c.thresholds, channelID)
}

// prune drops expired threshold entries so channels that went quiet do not
// pin memory.
func (c *configCache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for channelID, entry := range c.thresholds {
		if now.Sub(entry.fetchedAt) > c.ttl {
			delete(c.thresholds, channelID)
		}
	}
}
