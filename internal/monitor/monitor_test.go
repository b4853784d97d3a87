package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quote-guard/internal/alerting"
	"quote-guard/internal/pricefeed"
	"quote-guard/internal/pricing"
	"quote-guard/internal/quote"
	"quote-guard/internal/rules"
	"quote-guard/internal/storage"
)

type stubProvider struct {
	mu        sync.Mutex
	rule      *rules.SpreadRule
	vol       *rules.VolatilityConfig
	ruleErr   error
	volErr    error
	ruleCalls int
	volCalls  int
}

func (p *stubProvider) ActiveRule(ctx context.Context, channelID string) (*rules.SpreadRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ruleCalls++
	if p.ruleErr != nil {
		return nil, p.ruleErr
	}
	if p.rule == nil {
		return nil, nil
	}
	rule := *p.rule
	rule.ChannelID = channelID
	return &rule, nil
}

func (p *stubProvider) VolatilityConfig(ctx context.Context, channelID string) (*rules.VolatilityConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volCalls++
	if p.volErr != nil {
		return nil, p.volErr
	}
	if p.vol == nil {
		return nil, nil
	}
	vol := *p.vol
	return &vol, nil
}

type stubSpot struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (s *stubSpot) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	return s.price, nil
}

type stubMessenger struct {
	mu        sync.Mutex
	sent      []string
	cancelErr error
	quoteErr  error
	panicOn   string
}

func (s *stubMessenger) Send(ctx context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn != "" && text == s.panicOn {
		panic("messenger exploded")
	}
	s.sent = append(s.sent, text)
	if text == DefaultCancelToken {
		return s.cancelErr
	}
	return s.quoteErr
}

func (s *stubMessenger) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

type stubEscalations struct {
	mu      sync.Mutex
	records []storage.EscalationRecord
	err     error
}

func (s *stubEscalations) InsertEscalation(ctx context.Context, rec storage.EscalationRecord) (storage.EscalationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return storage.EscalationRecord{}, s.err
	}
	rec.ID = int64(len(s.records) + 1)
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *stubEscalations) stored() []storage.EscalationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.EscalationRecord, len(s.records))
	copy(out, s.records)
	return out
}

type stubSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (s *stubSink) Enqueue(alert alerting.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *stubSink) received() []alerting.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alerting.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

type testRig struct {
	store     *quote.Store
	provider  *stubProvider
	spot      *stubSpot
	messenger *stubMessenger
	escal     *stubEscalations
	sink      *stubSink
	monitor   *Monitor
}

func newTestRig(opts Options) *testRig {
	rig := &testRig{
		store: quote.NewStore(zerolog.Nop()),
		provider: &stubProvider{
			rule: &rules.SpreadRule{SpreadMode: pricing.ModeBps, SpreadValue: decimal.NewFromInt(50)},
			vol:  &rules.VolatilityConfig{Enabled: true, ThresholdBps: decimal.NewFromInt(30), MaxReprices: 3},
		},
		spot:      &stubSpot{price: decimal.RequireFromString("5.02")},
		messenger: &stubMessenger{},
		escal:     &stubEscalations{},
		sink:      &stubSink{},
	}
	rig.monitor = New(rig.store, rig.provider, rig.spot, rig.messenger, rig.escal, rig.sink, opts, zerolog.Nop())
	return rig
}

func (r *testRig) tick(priceStr string) {
	r.monitor.HandleTick(pricefeed.Tick{
		Source:    pricefeed.SourceStream,
		Symbol:    "USDTBRL",
		Price:     decimal.RequireFromString(priceStr),
		Timestamp: time.Now(),
	})
	r.monitor.Wait()
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRepriceFullSequence(t *testing.T) {
	rig := newTestRig(Options{})
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	// 5.02 against 5.00 is 40 bps, past the 30 bps threshold.
	rig.tick("5.02")

	sent := rig.messenger.messages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2: %v", len(sent), sent)
	}
	if sent[0] != DefaultCancelToken {
		t.Errorf("first message = %q, want cancel token", sent[0])
	}
	want := fmt.Sprintf(quoteMessageFormat, "5.0451")
	if sent[1] != want {
		t.Errorf("second message = %q, want %q", sent[1], want)
	}

	if rig.spot.calls != 1 {
		t.Errorf("spot fetches = %d, want 1", rig.spot.calls)
	}

	q, ok := rig.store.Get("deal-1")
	if !ok {
		t.Fatal("quote vanished")
	}
	if q.Status != quote.StatusPending {
		t.Errorf("status = %s, want pending", q.Status)
	}
	if !q.QuotedPrice.Equal(price("5.0451")) {
		t.Errorf("quoted price = %s, want 5.0451", q.QuotedPrice)
	}
	if q.RepriceCount != 1 {
		t.Errorf("reprice count = %d, want 1", q.RepriceCount)
	}
}

func TestNoBreachBelowThreshold(t *testing.T) {
	rig := newTestRig(Options{})
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	// 2 bps, well under the 30 bps threshold.
	rig.tick("5.001")

	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Errorf("no messages expected, got %v", sent)
	}
}

func TestDownwardMoveNeverBreaches(t *testing.T) {
	rig := newTestRig(Options{})
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("4.50")

	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Errorf("favorable move must not reprice, got %v", sent)
	}
}

func TestFlatModeNeverBreaches(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.rule = &rules.SpreadRule{SpreadMode: pricing.ModeFlat}
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("9.99")

	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Errorf("flat mode must not reprice, got %v", sent)
	}
}

func TestNoActiveRuleSkipsChannel(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.rule = nil
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("9.99")

	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Errorf("channel without a rule must not reprice, got %v", sent)
	}
}

func TestVolatilityDisabledSkipsChannel(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.vol = &rules.VolatilityConfig{Enabled: false, ThresholdBps: decimal.NewFromInt(30), MaxReprices: 3}
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("9.99")

	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Errorf("disabled channel must not reprice, got %v", sent)
	}
}

func TestAbsBRLBreachesAtEquality(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.rule = &rules.SpreadRule{SpreadMode: pricing.ModeAbsBRL, SpreadValue: price("0.02")}
	rig.spot.price = price("5.01")
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	// Market touching the quoted price exhausts a fixed BRL markup.
	rig.tick("5.00")

	sent := rig.messenger.messages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2: %v", len(sent), sent)
	}
	want := fmt.Sprintf(quoteMessageFormat, "5.0300")
	if sent[1] != want {
		t.Errorf("second message = %q, want %q", sent[1], want)
	}
}

func TestCancelSendFailureRestoresQuote(t *testing.T) {
	rig := newTestRig(Options{})
	rig.messenger.cancelErr = errors.New("gateway down")
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	if sent := rig.messenger.messages(); len(sent) != 1 {
		t.Fatalf("sent %d messages, want only the cancel attempt: %v", len(sent), sent)
	}
	assertRestored(t, rig, "5.00")

	// The channel is not stuck: once the gateway recovers the next breach
	// reprices normally.
	rig.messenger.cancelErr = nil
	rig.tick("5.02")
	q, _ := rig.store.Get("deal-1")
	if q.RepriceCount != 1 {
		t.Errorf("reprice count after recovery = %d, want 1", q.RepriceCount)
	}
}

func TestPriceFetchFailureRestoresQuote(t *testing.T) {
	rig := newTestRig(Options{})
	rig.spot.err = errors.New("ticker timeout")
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	if sent := rig.messenger.messages(); len(sent) != 1 {
		t.Fatalf("sent %d messages, want only the cancel notice: %v", len(sent), sent)
	}
	assertRestored(t, rig, "5.00")
}

func TestQuoteSendFailureRestoresQuote(t *testing.T) {
	rig := newTestRig(Options{})
	rig.messenger.quoteErr = errors.New("gateway down")
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	if sent := rig.messenger.messages(); len(sent) != 2 {
		t.Fatalf("sent %d messages, want cancel plus failed quote: %v", len(sent), sent)
	}
	assertRestored(t, rig, "5.00")
}

func TestMessengerPanicRestoresQuote(t *testing.T) {
	rig := newTestRig(Options{})
	rig.messenger.panicOn = DefaultCancelToken
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	assertRestored(t, rig, "5.00")
}

func assertRestored(t *testing.T, rig *testRig, want string) {
	t.Helper()
	q, ok := rig.store.Get("deal-1")
	if !ok {
		t.Fatal("quote vanished")
	}
	if q.Status != quote.StatusPending {
		t.Errorf("status = %s, want pending", q.Status)
	}
	if !q.QuotedPrice.Equal(price(want)) {
		t.Errorf("quoted price = %s, want %s", q.QuotedPrice, want)
	}
	if q.RepriceCount != 0 {
		t.Errorf("reprice count = %d, want 0", q.RepriceCount)
	}
}

func TestRepricingQuoteNotReevaluated(t *testing.T) {
	rig := newTestRig(Options{})
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})
	if !rig.store.TryLock("deal-1") {
		t.Fatal("setup lock failed")
	}

	rig.tick("5.02")

	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Errorf("locked channel must be skipped, got %v", sent)
	}
}

func TestEscalationAfterMaxReprices(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.vol = &rules.VolatilityConfig{Enabled: true, ThresholdBps: decimal.NewFromInt(30), MaxReprices: 1}
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	records := rig.escal.stored()
	if len(records) != 1 {
		t.Fatalf("escalation records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.ChannelID != "deal-1" {
		t.Errorf("record channel = %q, want deal-1", rec.ChannelID)
	}
	if !rec.QuotedPrice.Equal(price("5.00")) || !rec.CurrentPrice.Equal(price("5.02")) {
		t.Errorf("record prices = %s/%s, want 5.00/5.02", rec.QuotedPrice, rec.CurrentPrice)
	}
	if rec.RepriceCount != 1 {
		t.Errorf("record reprice count = %d, want 1", rec.RepriceCount)
	}

	if !rig.monitor.IsPaused("deal-1") {
		t.Fatal("channel should be paused after escalation")
	}

	alerts := rig.sink.received()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].PersistFailed {
		t.Error("normal escalation must not be marked persist-failed")
	}

	// Paused: further breaching ticks produce no action.
	before := len(rig.messenger.messages())
	rig.tick("9.99")
	if after := len(rig.messenger.messages()); after != before {
		t.Errorf("paused channel acted: %d -> %d messages", before, after)
	}

	// Unpause is the explicit operator action that resumes protection.
	rig.monitor.Unpause("deal-1")
	rig.tick("5.20")
	if after := len(rig.messenger.messages()); after == before {
		t.Error("unpaused channel should reprice again")
	}
}

func TestEscalationPersistFailureDoesNotPause(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.vol = &rules.VolatilityConfig{Enabled: true, ThresholdBps: decimal.NewFromInt(30), MaxReprices: 1}
	rig.escal.err = errors.New("db down")
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	if rig.monitor.IsPaused("deal-1") {
		t.Fatal("persist failure must not pause the channel")
	}
	alerts := rig.sink.received()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if !alerts[0].PersistFailed {
		t.Error("alert should be marked persist-failed")
	}
	if alerts[0].PersistError == "" {
		t.Error("alert should carry the persistence error")
	}

	// The channel keeps repricing rather than silently freezing.
	rig.tick("5.20")
	q, _ := rig.store.Get("deal-1")
	if q.RepriceCount != 2 {
		t.Errorf("reprice count = %d, want 2", q.RepriceCount)
	}
	if rig.monitor.IsPaused("deal-1") {
		t.Error("channel still must not be paused")
	}
	if got := len(rig.sink.received()); got != 2 {
		t.Errorf("alerts = %d, want repeat escalation attempt", got)
	}
}

func TestEscalationWithoutStoreIsPersistFailed(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.vol = &rules.VolatilityConfig{Enabled: true, ThresholdBps: decimal.NewFromInt(30), MaxReprices: 1}
	rig.monitor = New(rig.store, rig.provider, rig.spot, rig.messenger, nil, rig.sink, Options{}, zerolog.Nop())
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	if rig.monitor.IsPaused("deal-1") {
		t.Fatal("channel must not pause without a persisted record")
	}
	alerts := rig.sink.received()
	if len(alerts) != 1 || !alerts[0].PersistFailed {
		t.Fatalf("expected one persist-failed alert, got %+v", alerts)
	}
}

func TestProviderResultsAreCached(t *testing.T) {
	rig := newTestRig(Options{})
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("5.001")
	rig.tick("5.001")
	rig.tick("5.001")

	if rig.provider.volCalls != 1 {
		t.Errorf("volatility lookups = %d, want 1", rig.provider.volCalls)
	}
	if rig.provider.ruleCalls != 1 {
		t.Errorf("rule lookups = %d, want 1", rig.provider.ruleCalls)
	}

	rig.monitor.InvalidateConfig("deal-1")
	rig.tick("5.001")

	if rig.provider.volCalls != 2 {
		t.Errorf("volatility lookups after invalidate = %d, want 2", rig.provider.volCalls)
	}
	if rig.provider.ruleCalls != 2 {
		t.Errorf("rule lookups after invalidate = %d, want 2", rig.provider.ruleCalls)
	}
}

func TestProviderErrorSkipsChannel(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.volErr = errors.New("db flake")
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	rig.tick("9.99")

	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Errorf("provider error should skip the channel, got %v", sent)
	}

	// Errors are not cached; the next tick retries the provider.
	rig.provider.mu.Lock()
	rig.provider.volErr = nil
	rig.provider.mu.Unlock()
	rig.tick("5.02")
	if sent := rig.messenger.messages(); len(sent) != 2 {
		t.Errorf("recovered provider should allow repricing, got %v", sent)
	}
}

func TestDefaultsAppliedWhenConfigAbsent(t *testing.T) {
	rig := newTestRig(Options{})
	rig.provider.vol = nil
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})

	// Default threshold is 50 bps: 40 bps must not breach, 60 bps must.
	rig.tick("5.02")
	if sent := rig.messenger.messages(); len(sent) != 0 {
		t.Fatalf("40 bps under default 50 bps threshold, got %v", sent)
	}

	rig.tick("5.03")
	if sent := rig.messenger.messages(); len(sent) != 2 {
		t.Errorf("60 bps over default threshold should reprice, got %v", sent)
	}
}

func TestIndependentChannels(t *testing.T) {
	rig := newTestRig(Options{})
	rig.messenger.cancelErr = errors.New("gateway down")
	rig.store.Create("deal-1", price("5.00"), quote.CreateOptions{})
	rig.store.Create("deal-2", price("5.00"), quote.CreateOptions{})

	rig.tick("5.02")

	// Both channels attempted a cancel despite both failing; one failure
	// never blocks the other channel's evaluation.
	if sent := rig.messenger.messages(); len(sent) != 2 {
		t.Errorf("both channels should attempt independently, got %v", sent)
	}
	for _, ch := range []string{"deal-1", "deal-2"} {
		q, ok := rig.store.Get(ch)
		if !ok || q.Status != quote.StatusPending {
			t.Errorf("channel %s not restored: %+v", ch, q)
		}
	}
}
