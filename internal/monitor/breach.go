package monitor

import (
	"github.com/shopspring/decimal"

	"quote-guard/internal/pricing"
)

// ThresholdConfig describes how an outstanding quote is compared against the
// market. The mode mirrors the channel's spread mode; the value is the
// volatility threshold in basis points.
type ThresholdConfig struct {
	Mode  pricing.Mode
	Value decimal.Decimal
}

// checkBreach reports whether the market has moved against an outstanding
// quote beyond tolerance. Movement below the quoted price is favorable to the
// desk and never breaches.
//
// bps compares the relative deviation against the threshold. abs_brl breaches
// as soon as the market reaches the quoted price: the fixed BRL markup is
// already exhausted at that point. flat never breaches.
func checkBreach(quoted, current decimal.Decimal, cfg ThresholdConfig) bool {
	if current.LessThan(quoted) {
		return false
	}
	switch cfg.Mode {
	case pricing.ModeBps:
		return pricing.DeviationBps(quoted, current).GreaterThanOrEqual(cfg.Value)
	case pricing.ModeAbsBRL:
		return true
	default:
		return false
	}
}
