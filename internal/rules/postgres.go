package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"quote-guard/internal/pricing"
)

var (
	// ErrNotConfigured indicates the rules pool was not initialised.
	ErrNotConfigured = errors.New("rules: pool not configured")
)

const (
	activeRuleSQL = `SELECT
        channel_id,
        spread_mode,
        spread_value
    FROM channel_rules
    WHERE channel_id = $1
      AND active
    ORDER BY updated_at DESC
    LIMIT 1;`

	volatilityConfigSQL = `SELECT
        enabled,
        threshold_bps,
        max_reprices
    FROM channel_volatility
    WHERE channel_id = $1;`
)

// Postgres reads channel rules and volatility configuration from the desk
// database. It is read-only; rule management lives outside this service.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a rules provider.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) getPool() (*pgxpool.Pool, error) {
	if p == nil || p.pool == nil {
		return nil, ErrNotConfigured
	}
	return p.pool, nil
}

// ActiveRule returns the channel's most recently updated active rule, or nil
// when none exists.
func (p *Postgres) ActiveRule(ctx context.Context, channelID string) (*SpreadRule, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	var (
		rule     SpreadRule
		modeStr  string
		valueStr string
	)
	scanErr := pool.QueryRow(ctx, activeRuleSQL, channelID).Scan(
		&rule.ChannelID,
		&modeStr,
		&valueStr,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active rule: %w", scanErr)
	}

	rule.SpreadMode, err = pricing.ParseMode(modeStr)
	if err != nil {
		return nil, fmt.Errorf("parse spread mode: %w", err)
	}
	rule.SpreadValue, err = decimal.NewFromString(valueStr)
	if err != nil {
		return nil, fmt.Errorf("parse spread value: %w", err)
	}
	return &rule, nil
}

// VolatilityConfig returns the channel's protection configuration, or nil
// when none exists.
func (p *Postgres) VolatilityConfig(ctx context.Context, channelID string) (*VolatilityConfig, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}

	var (
		cfg          VolatilityConfig
		thresholdStr string
	)
	scanErr := pool.QueryRow(ctx, volatilityConfigSQL, channelID).Scan(
		&cfg.Enabled,
		&thresholdStr,
		&cfg.MaxReprices,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query volatility config: %w", scanErr)
	}

	cfg.ThresholdBps, err = decimal.NewFromString(thresholdStr)
	if err != nil {
		return nil, fmt.Errorf("parse threshold bps: %w", err)
	}
	return &cfg, nil
}

var _ Provider = (*Postgres)(nil)
