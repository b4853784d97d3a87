package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode selects how a spread (and the matching volatility threshold) is applied.
type Mode string

const (
	// ModeBps applies the value as basis points of the base price.
	ModeBps Mode = "bps"
	// ModeAbsBRL applies the value as an absolute BRL offset.
	ModeAbsBRL Mode = "abs_brl"
	// ModeFlat leaves the base price unchanged.
	ModeFlat Mode = "flat"
)

var tenThousand = decimal.NewFromInt(10_000)

// ParseMode normalises a stored mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBps:
		return ModeBps, nil
	case ModeAbsBRL:
		return ModeAbsBRL, nil
	case ModeFlat, "":
		return ModeFlat, nil
	}
	return "", fmt.Errorf("unknown spread mode %q", s)
}

// ApplySpread produces a quoted price from a base price. The arithmetic here
// is the single source of truth for both initial quoting and repricing: bps is
// multiplicative, abs_brl is additive, flat passes the base through.
func ApplySpread(base decimal.Decimal, mode Mode, value decimal.Decimal) decimal.Decimal {
	switch mode {
	case ModeBps:
		factor := decimal.NewFromInt(1).Add(value.Div(tenThousand))
		return base.Mul(factor)
	case ModeAbsBRL:
		return base.Add(value)
	default:
		return base
	}
}

// DeviationBps returns the relative deviation of current from quoted, in basis
// points. Positive means the market moved above the quote.
func DeviationBps(quoted, current decimal.Decimal) decimal.Decimal {
	if quoted.IsZero() {
		return decimal.Zero
	}
	return current.Sub(quoted).Div(quoted).Mul(tenThousand)
}
