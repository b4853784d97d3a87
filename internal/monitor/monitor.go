package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quote-guard/internal/alerting"
	"quote-guard/internal/fetcher"
	"quote-guard/internal/messaging"
	"quote-guard/internal/pricefeed"
	"quote-guard/internal/pricing"
	"quote-guard/internal/quote"
	"quote-guard/internal/rules"
	"quote-guard/internal/storage"
)

// EscalationWriter persists escalation records.
type EscalationWriter interface {
	InsertEscalation(ctx context.Context, rec storage.EscalationRecord) (storage.EscalationRecord, error)
}

// AlertSink receives operator alerts without blocking the caller.
type AlertSink interface {
	Enqueue(alert alerting.Alert)
}

// Defaults fill in for channels without stored volatility configuration.
type Defaults struct {
	Enabled      bool
	ThresholdBps decimal.Decimal
	MaxReprices  int
}

// Options configures the monitor.
type Options struct {
	Defaults     Defaults
	ThresholdTTL time.Duration
	CancelToken  string
}

func (o *Options) withDefaults() {
	if o.Defaults == (Defaults{}) {
		o.Defaults = Defaults{
			Enabled:      true,
			ThresholdBps: decimal.NewFromInt(50),
			MaxReprices:  3,
		}
	}
	if o.ThresholdTTL <= 0 {
		o.ThresholdTTL = 30 * time.Second
	}
	if o.CancelToken == "" {
		o.CancelToken = DefaultCancelToken
	}
}

// Monitor watches price ticks against every outstanding quote and
// orchestrates cancel/requote sequences when a channel's tolerance is
// breached. Channels escalate to an operator after too many reprices.
type Monitor struct {
	store       *quote.Store
	provider    rules.Provider
	spot        fetcher.SpotFetcher
	messenger   messaging.Messenger
	escalations EscalationWriter
	alerts      AlertSink
	logger      zerolog.Logger
	opts        Options
	cache       *configCache

	mu      sync.Mutex
	paused  map[string]struct{}
	baseCtx context.Context

	wg sync.WaitGroup
}

// New constructs the volatility monitor.
func New(store *quote.Store, provider rules.Provider, spot fetcher.SpotFetcher, messenger messaging.Messenger, escalations EscalationWriter, alerts AlertSink, opts Options, logger zerolog.Logger) *Monitor {
	opts.withDefaults()
	return &Monitor{
		store:       store,
		provider:    provider,
		spot:        spot,
		messenger:   messenger,
		escalations: escalations,
		alerts:      alerts,
		logger:      logger.With().Str("component", "monitor").Logger(),
		opts:        opts,
		cache:       newConfigCache(opts.ThresholdTTL),
		paused:      make(map[string]struct{}),
	}
}

// Start binds the context used by orchestrations and provider lookups.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

func (m *Monitor) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx != nil {
		return m.baseCtx
	}
	return context.Background()
}

// HandleTick evaluates every channel with an active quote against the tick.
// It is the feed subscriber entry point: cheap when caches are warm, and
// anything slow (the reprice itself) moves to a per-channel goroutine.
func (m *Monitor) HandleTick(tick pricefeed.Tick) {
	ctx := m.context()
	for _, channelID := range m.store.Channels() {
		m.evaluateChannel(ctx, channelID, tick.Price)
	}
}

func (m *Monitor) evaluateChannel(ctx context.Context, channelID string, current decimal.Decimal) {
	if m.IsPaused(channelID) {
		return
	}
	q, ok := m.store.Get(channelID)
	if !ok || q.Status != quote.StatusPending {
		return
	}

	vol, ok := m.volatilityFor(ctx, channelID)
	if !ok || !vol.Enabled {
		return
	}

	threshold, rule, ok := m.thresholdFor(ctx, channelID, vol)
	if !ok || rule == nil {
		return
	}

	if !checkBreach(q.QuotedPrice, current, threshold) {
		return
	}

	if !m.store.TryLock(channelID) {
		// A reprice is already in flight; rapid ticks land here.
		return
	}
	locked, ok := m.store.Get(channelID)
	if !ok {
		// Accepted between lock and snapshot; nothing left to protect.
		return
	}

	m.logger.Info().Str("channel_id", channelID).
		Str("quoted", locked.QuotedPrice.String()).
		Str("current", current.String()).
		Str("mode", string(threshold.Mode)).
		Msg("threshold breached, repricing")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reprice(ctx, locked, *rule, vol, current)
	}()
}

// volatilityFor resolves the channel's protection configuration, applying
// defaults when the provider has nothing stored. Results cache until
// InvalidateConfig.
func (m *Monitor) volatilityFor(ctx context.Context, channelID string) (rules.VolatilityConfig, bool) {
	if cfg, ok := m.cache.volatility(channelID); ok {
		return cfg, true
	}

	cfg, err := m.provider.VolatilityConfig(ctx, channelID)
	if err != nil {
		m.logger.Warn().Err(err).Str("channel_id", channelID).Msg("volatility config lookup failed")
		return rules.VolatilityConfig{}, false
	}

	resolved := rules.VolatilityConfig{
		Enabled:      m.opts.Defaults.Enabled,
		ThresholdBps: m.opts.Defaults.ThresholdBps,
		MaxReprices:  m.opts.Defaults.MaxReprices,
	}
	if cfg != nil {
		resolved = *cfg
	}

	m.cache.setVolatility(channelID, resolved)
	return resolved, true
}

// thresholdFor derives the breach threshold from the channel's active rule:
// the rule supplies the mode, the volatility config the tolerance. A channel
// without an active rule never breaches.
func (m *Monitor) thresholdFor(ctx context.Context, channelID string, vol rules.VolatilityConfig) (ThresholdConfig, *rules.SpreadRule, bool) {
	if cfg, rule, ok := m.cache.threshold(channelID); ok {
		return cfg, rule, true
	}

	rule, err := m.provider.ActiveRule(ctx, channelID)
	if err != nil {
		m.logger.Warn().Err(err).Str("channel_id", channelID).Msg("active rule lookup failed")
		return ThresholdConfig{}, nil, false
	}

	cfg := ThresholdConfig{Mode: pricing.ModeFlat}
	if rule != nil {
		cfg = ThresholdConfig{Mode: rule.SpreadMode, Value: vol.ThresholdBps}
	}

	m.cache.setThreshold(channelID, cfg, rule)
	return cfg, rule, true
}

// IsPaused reports whether the channel is under administrative pause.
func (m *Monitor) IsPaused(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paused[channelID]
	return ok
}

func (m *Monitor) pause(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[channelID] = struct{}{}
}

// Unpause lifts the administrative pause. It is the explicit operator action
// after an escalation; nothing unpauses automatically.
func (m *Monitor) Unpause(channelID string) {
	m.mu.Lock()
	delete(m.paused, channelID)
	m.mu.Unlock()
	m.logger.Info().Str("channel_id", channelID).Msg("channel unpaused")
}

// PausedChannels returns a snapshot of channels under pause.
func (m *Monitor) PausedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]string, 0, len(m.paused))
	for channelID := range m.paused {
		channels = append(channels, channelID)
	}
	return channels
}

// InvalidateConfig drops cached configuration for the channel so the next
// tick re-reads the provider.
func (m *Monitor) InvalidateConfig(channelID string) {
	m.cache.invalidate(channelID)
	m.logger.Debug().Str("channel_id", channelID).Msg("config cache invalidated")
}

// PruneCaches drops expired cache entries; the sweep loop calls this.
func (m *Monitor) PruneCaches() {
	m.cache.prune()
}

// Wait blocks until in-flight reprice orchestrations finish.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
