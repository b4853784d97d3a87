package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscalationRecord captures one exhausted-reprice escalation for audit.
type EscalationRecord struct {
	ID           int64
	ChannelID    string
	QuoteID      string
	QuotedPrice  decimal.Decimal
	CurrentPrice decimal.Decimal
	DeviationBps decimal.Decimal
	RepriceCount int
	QuotedAt     time.Time
	CreatedAt    time.Time
}
