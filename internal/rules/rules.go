package rules

import (
	"context"

	"github.com/shopspring/decimal"

	"quote-guard/internal/pricing"
)

// SpreadRule is the active pricing rule for a negotiation channel: how the
// desk's quoted price is derived from the reference market price.
type SpreadRule struct {
	ChannelID   string
	SpreadMode  pricing.Mode
	SpreadValue decimal.Decimal
}

// VolatilityConfig is the per-channel quote protection configuration.
type VolatilityConfig struct {
	Enabled      bool
	ThresholdBps decimal.Decimal
	MaxReprices  int
}

// Provider supplies per-channel pricing rules and protection configuration.
// A nil result with a nil error means no configuration exists for the
// channel; callers apply their own defaults.
type Provider interface {
	ActiveRule(ctx context.Context, channelID string) (*SpreadRule, error)
	VolatilityConfig(ctx context.Context, channelID string) (*VolatilityConfig, error)
}
