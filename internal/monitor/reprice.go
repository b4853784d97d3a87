package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quote-guard/internal/alerting"
	"quote-guard/internal/pricing"
	"quote-guard/internal/quote"
	"quote-guard/internal/rules"
	"quote-guard/internal/storage"
)

var (
	// ErrCancelSend marks a failed cancellation notice.
	ErrCancelSend = errors.New("reprice: cancellation send failed")
	// ErrPriceFetch marks a failed authoritative price fetch.
	ErrPriceFetch = errors.New("reprice: price fetch failed")
	// ErrQuoteSend marks a failed new-quote send.
	ErrQuoteSend = errors.New("reprice: quote send failed")
)

// DefaultCancelToken is the protocol token counterparty tooling keys on to
// void the outstanding quote.
const DefaultCancelToken = "#cancelar"

const quoteMessageFormat = "Cotação atualizada: %s BRL"

// reprice runs one cancel/refetch/respread/resend sequence for a channel the
// caller has already locked, then escalates if the reprice budget is spent.
func (m *Monitor) reprice(ctx context.Context, locked quote.ActiveQuote, rule rules.SpreadRule, vol rules.VolatilityConfig, trigger decimal.Decimal) {
	logger := m.logger.With().
		Str("channel_id", locked.ChannelID).
		Str("quote_id", locked.ID.String()).
		Logger()

	newPrice, count, err := m.executeReprice(ctx, locked, rule)
	if err != nil {
		logger.Error().Err(err).Msg("reprice failed, quote restored")
		return
	}

	logger.Info().
		Str("old_price", locked.QuotedPrice.String()).
		Str("new_price", newPrice.String()).
		Int("reprice_count", count).
		Msg("quote repriced")

	if count >= vol.MaxReprices {
		m.escalate(ctx, locked, trigger, count, vol)
	}
}

// executeReprice performs steps 2-6 of the orchestration. Whatever goes
// wrong, including a panic in a collaborator, the deferred unlock returns the
// quote to pending at its pre-reprice price; only a fully completed sequence
// settles at the new price.
func (m *Monitor) executeReprice(ctx context.Context, locked quote.ActiveQuote, rule rules.SpreadRule) (newPrice decimal.Decimal, count int, err error) {
	settled := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reprice panic: %v", r)
		}
		if !settled {
			m.store.Unlock(locked.ChannelID, locked.QuotedPrice)
		}
	}()

	if serr := m.messenger.Send(ctx, locked.ChannelID, m.opts.CancelToken); serr != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("%w: %w", ErrCancelSend, serr)
	}

	// Always a fresh point-in-time fetch: the tick that triggered us may be
	// stale by the time the cancel notice went out.
	base, ferr := m.spot.SpotPrice(ctx)
	if ferr != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("%w: %w", ErrPriceFetch, ferr)
	}
	if base.Sign() <= 0 {
		return decimal.Decimal{}, 0, fmt.Errorf("%w: non-positive price %s", ErrPriceFetch, base)
	}

	newPrice = pricing.ApplySpread(base, rule.SpreadMode, rule.SpreadValue)

	if serr := m.messenger.Send(ctx, locked.ChannelID, fmt.Sprintf(quoteMessageFormat, newPrice.StringFixed(4))); serr != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("%w: %w", ErrQuoteSend, serr)
	}

	count = m.store.IncrementRepriceCount(locked.ChannelID)
	m.store.Unlock(locked.ChannelID, newPrice)
	settled = true
	return newPrice, count, nil
}

// escalate hands the channel to an operator after the reprice budget is
// spent: persist the record, pause only when that write succeeds, then alert.
// A failed write deliberately leaves the channel unpaused so it keeps
// repricing instead of freezing with no operator visibility.
func (m *Monitor) escalate(ctx context.Context, locked quote.ActiveQuote, trigger decimal.Decimal, count int, vol rules.VolatilityConfig) {
	deviation := pricing.DeviationBps(locked.QuotedPrice, trigger)

	alert := alerting.Alert{
		ChannelID:    locked.ChannelID,
		QuoteID:      locked.ID.String(),
		QuotedPrice:  locked.QuotedPrice,
		CurrentPrice: trigger,
		DeviationBps: deviation,
		RepriceCount: count,
		MaxReprices:  vol.MaxReprices,
		QuotedAt:     locked.QuotedAt,
		Elapsed:      time.Since(locked.QuotedAt),
	}

	rec := storage.EscalationRecord{
		ChannelID:    locked.ChannelID,
		QuoteID:      locked.ID.String(),
		QuotedPrice:  locked.QuotedPrice,
		CurrentPrice: trigger,
		DeviationBps: deviation,
		RepriceCount: count,
		QuotedAt:     locked.QuotedAt,
	}

	var perr error
	if m.escalations == nil {
		perr = storage.ErrNotConfigured
	} else {
		_, perr = m.escalations.InsertEscalation(ctx, rec)
	}
	if perr != nil {
		alert.PersistFailed = true
		alert.PersistError = perr.Error()
		m.logger.Error().Err(perr).
			Str("channel_id", locked.ChannelID).
			Msg("escalation persistence failed, channel left unpaused")
		m.enqueueAlert(alert)
		return
	}

	m.pause(locked.ChannelID)
	m.logger.Warn().
		Str("channel_id", locked.ChannelID).
		Int("reprice_count", count).
		Msg("channel escalated and paused")
	m.enqueueAlert(alert)
}

func (m *Monitor) enqueueAlert(alert alerting.Alert) {
	if m.alerts == nil {
		return
	}
	m.alerts.Enqueue(alert)
}
