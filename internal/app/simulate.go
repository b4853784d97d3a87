package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"quote-guard/internal/alerting"
	"quote-guard/internal/fetcher"
	"quote-guard/internal/messaging"
	"quote-guard/internal/monitor"
	"quote-guard/internal/pricefeed"
	"quote-guard/internal/pricing"
	"quote-guard/internal/quote"
	"quote-guard/internal/rules"
	"quote-guard/internal/storage"
)

// SimulateReprice drives one full cancel/refetch/requote orchestration with
// stub collaborators: messages print to stdout instead of the chat gateway,
// the spot fetch returns the given market price, and escalation records stay
// in memory. Operators use it to sanity-check thresholds and templates.
func (a *App) SimulateReprice(ctx context.Context, opts SimulateOptions) error {
	mode, err := pricing.ParseMode(opts.SpreadMode)
	if err != nil {
		return err
	}

	const channelID = "sim"

	provider := &rules.Static{
		Rule: &rules.SpreadRule{SpreadMode: mode, SpreadValue: opts.SpreadValue},
		Volatility: &rules.VolatilityConfig{
			Enabled:      true,
			ThresholdBps: opts.ThresholdBps,
			MaxReprices:  opts.MaxReprices,
		},
	}

	store := quote.NewStore(a.Logger)
	store.Create(channelID, opts.QuotedPrice, quote.CreateOptions{PriceSource: "simulated"})

	messenger := &consoleMessenger{}
	escalations := &memoryEscalations{}
	sink := &captureSink{}

	mon := monitor.New(store, provider, &staticSpot{price: opts.CurrentPrice}, messenger, escalations, sink,
		monitor.Options{CancelToken: a.Config.Monitor.CancelToken}, a.Logger)
	mon.Start(ctx)

	mon.HandleTick(pricefeed.Tick{
		Source:    "simulated",
		Symbol:    a.Config.Feed.Symbol,
		Price:     opts.CurrentPrice,
		Timestamp: time.Now(),
	})
	mon.Wait()

	q, active := store.Get(channelID)
	switch {
	case active && q.RepriceCount == 0:
		fmt.Fprintln(os.Stdout, "no breach: quote left untouched")
	case active:
		fmt.Fprintf(os.Stdout, "repriced to %s (reprice %d/%d)\n", q.QuotedPrice.StringFixed(4), q.RepriceCount, opts.MaxReprices)
	default:
		fmt.Fprintln(os.Stdout, "quote no longer active")
	}

	for _, rec := range escalations.records {
		fmt.Fprintf(os.Stdout, "escalation recorded: deviation %s bps after %d reprices\n", rec.DeviationBps.StringFixed(1), rec.RepriceCount)
	}
	if mon.IsPaused(channelID) {
		fmt.Fprintln(os.Stdout, "channel paused pending operator review")
	}
	for _, alert := range sink.alerts {
		fmt.Fprintf(os.Stdout, "operator alert queued (persist_failed=%v)\n", alert.PersistFailed)
	}
	return nil
}

type consoleMessenger struct{}

func (c *consoleMessenger) Send(ctx context.Context, channelID, text string) error {
	fmt.Fprintf(os.Stdout, "-> [%s] %s\n", channelID, text)
	return nil
}

type staticSpot struct {
	price decimal.Decimal
}

func (s *staticSpot) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	return s.price, nil
}

type memoryEscalations struct {
	records []storage.EscalationRecord
}

func (m *memoryEscalations) InsertEscalation(ctx context.Context, rec storage.EscalationRecord) (storage.EscalationRecord, error) {
	rec.ID = int64(len(m.records) + 1)
	rec.CreatedAt = time.Now().UTC()
	m.records = append(m.records, rec)
	return rec, nil
}

type captureSink struct {
	alerts []alerting.Alert
}

func (c *captureSink) Enqueue(alert alerting.Alert) {
	c.alerts = append(c.alerts, alert)
}

var _ messaging.Messenger = (*consoleMessenger)(nil)
var _ fetcher.SpotFetcher = (*staticSpot)(nil)
var _ monitor.EscalationWriter = (*memoryEscalations)(nil)
var _ monitor.AlertSink = (*captureSink)(nil)
