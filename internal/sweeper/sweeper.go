package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"quote-guard/internal/quote"
)

// CachePruner drops expired cached configuration. The monitor implements it.
type CachePruner interface {
	PruneCaches()
}

// Options tune the sweep loop.
type Options struct {
	QuoteTTL     time.Duration
	Interval     time.Duration
	StartupDelay time.Duration
}

// Sweeper expires stale quotes on a fixed interval. A counterparty that went
// quiet stops being protected once its quote ages past the TTL; quotes
// mid-reprice are left alone until they settle back to pending.
type Sweeper struct {
	store  *quote.Store
	pruner CachePruner
	opts   Options
	logger zerolog.Logger
}

// New constructs a Sweeper instance.
func New(store *quote.Store, pruner CachePruner, opts Options, logger zerolog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		panic("sweeper interval must be positive")
	}
	if opts.QuoteTTL <= 0 {
		panic("sweeper quote ttl must be positive")
	}
	return &Sweeper{
		store:  store,
		pruner: pruner,
		opts:   opts,
		logger: logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run blocks, sweeping at each interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	for _, q := range s.store.SweepExpired(s.opts.QuoteTTL) {
		s.logger.Info().
			Str("channel_id", q.ChannelID).
			Str("quote_id", q.ID.String()).
			Str("quoted_price", q.QuotedPrice.String()).
			Dur("age", time.Since(q.QuotedAt)).
			Msg("quote expired")
	}
	if s.pruner != nil {
		s.pruner.PruneCaches()
	}
}
