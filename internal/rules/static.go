package rules

import "context"

// Static serves one fixed rule and volatility configuration for every
// channel. It backs desks without a rules database and the simulate command.
type Static struct {
	Rule       *SpreadRule
	Volatility *VolatilityConfig
}

// ActiveRule returns the fixed rule rebound to the requested channel.
func (s *Static) ActiveRule(ctx context.Context, channelID string) (*SpreadRule, error) {
	if s == nil || s.Rule == nil {
		return nil, nil
	}
	rule := *s.Rule
	rule.ChannelID = channelID
	return &rule, nil
}

// VolatilityConfig returns the fixed protection configuration.
func (s *Static) VolatilityConfig(ctx context.Context, channelID string) (*VolatilityConfig, error) {
	if s == nil || s.Volatility == nil {
		return nil, nil
	}
	cfg := *s.Volatility
	return &cfg, nil
}

var _ Provider = (*Static)(nil)
