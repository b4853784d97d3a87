package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// SpotFetcher retrieves the current USDT/BRL spot price from a single source.
type SpotFetcher interface {
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
}
