package pricefeed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Tick source labels.
const (
	SourceStream = "stream"
	SourcePoll   = "poll"
)

// Tick is a single observed spot price, either from the streaming
// connection or from the polling fallback.
type Tick struct {
	Source    string
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// SubscriberFunc receives ticks. Subscribers run synchronously on the feed's
// dispatch path; slow subscribers delay delivery to later subscribers.
type SubscriberFunc func(Tick)

// SpotSource supplies the price used by the polling fallback while the
// streaming connection is down.
type SpotSource interface {
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
}

// Options configures a Feed.
type Options struct {
	// URL is the full stream endpoint, symbol included,
	// e.g. wss://stream.binance.com:9443/ws/usdtbrl@trade.
	URL string

	// Symbol filters trade frames. Empty accepts any symbol.
	Symbol string

	HandshakeTimeout time.Duration

	// PollInterval is the fallback polling cadence while disconnected.
	PollInterval time.Duration

	// PollOverlap keeps the fallback poller running for this long after a
	// reconnect, so a connection that drops again immediately does not
	// leave a coverage gap.
	PollOverlap time.Duration

	Backoff Backoff
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollOverlap <= 0 {
		o.PollOverlap = 5 * time.Second
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
}

type subscriber struct {
	id int
	fn SubscriberFunc
}

// Feed maintains a streaming price connection with automatic reconnection
// and a polling fallback, fanning observed ticks out to subscribers.
//
// Lifecycle: Connect starts the stream (idempotent while a connection is
// live or being established). On close the feed switches to polling and
// schedules reconnects with exponential backoff; on reopen it resets the
// backoff and stops the poller after the overlap window. Stop tears the
// whole thing down.
type Feed struct {
	opts   Options
	spot   SpotSource
	logger zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	stopped    bool
	attempt    int
	subs       []subscriber
	nextSubID  int
	lastPrice  decimal.Decimal
	hasLast    bool

	reconnectTimer *time.Timer
	overlapTimer   *time.Timer
	pollStop       chan struct{}

	baseCtx context.Context
}

// NewFeed builds a feed over the given stream endpoint. spot may be nil,
// which disables the polling fallback.
func NewFeed(opts Options, spot SpotSource, logger zerolog.Logger) *Feed {
	opts.withDefaults()
	return &Feed{
		opts:    opts,
		spot:    spot,
		logger:  logger.With().Str("component", "pricefeed").Logger(),
		baseCtx: context.Background(),
	}
}

// Connect establishes the streaming connection. It returns immediately; the
// dial happens on a background goroutine. Calling Connect while a connection
// is live or in progress is a no-op.
func (f *Feed) Connect(ctx context.Context) {
	f.mu.Lock()
	f.baseCtx = ctx
	f.stopped = false
	if f.connected || f.connecting {
		f.mu.Unlock()
		return
	}
	f.connecting = true
	f.mu.Unlock()

	go f.dial()
}

// Subscribe registers fn for every tick and returns its unsubscribe
// function. Subscribers are invoked in registration order.
func (f *Feed) Subscribe(fn SubscriberFunc) func() {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.subs = append(f.subs, subscriber{id: id, fn: fn})
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s.id == id {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				return
			}
		}
	}
}

// Stop closes the connection, cancels pending reconnects, stops the fallback
// poller and clears all subscribers and cached state. It is idempotent.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.connecting = false
	f.connected = false
	if f.reconnectTimer != nil {
		f.reconnectTimer.Stop()
		f.reconnectTimer = nil
	}
	if f.overlapTimer != nil {
		f.overlapTimer.Stop()
		f.overlapTimer = nil
	}
	if f.pollStop != nil {
		close(f.pollStop)
		f.pollStop = nil
	}
	conn := f.conn
	f.conn = nil
	f.subs = nil
	f.lastPrice = decimal.Decimal{}
	f.hasLast = false
	f.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	f.logger.Info().Msg("price feed stopped")
}

// IsConnected reports whether the streaming connection is currently open.
func (f *Feed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// LastPrice returns the most recently observed price from either source.
func (f *Feed) LastPrice() (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrice, f.hasLast
}

func (f *Feed) dial() {
	f.mu.Lock()
	ctx := f.baseCtx
	f.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: f.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, f.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	f.connecting = false
	if err != nil {
		delay := f.opts.Backoff.Next(f.attempt)
		f.attempt++
		f.startPollingLocked()
		f.scheduleReconnectLocked(delay)
		f.mu.Unlock()
		f.logger.Warn().Err(err).Dur("retry_in", delay).Str("url", f.opts.URL).
			Msg("stream dial failed")
		return
	}

	f.conn = conn
	f.connected = true
	f.attempt = 0
	f.scheduleOverlapStopLocked()
	f.mu.Unlock()

	f.logger.Info().Str("url", f.opts.URL).Msg("price stream connected")
	go f.readLoop(conn)
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.handleClose(conn, err)
			return
		}
		f.handleMessage(data)
	}
}

// tradeFrame is the exchange trade event shape. Only the fields the feed
// needs are decoded.
type tradeFrame struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

func (f *Feed) handleMessage(data []byte) {
	var frame tradeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug().Err(err).Msg("unparseable stream frame")
		return
	}
	if frame.Event != "trade" {
		return
	}
	if f.opts.Symbol != "" && !strings.EqualFold(frame.Symbol, f.opts.Symbol) {
		return
	}

	price, err := decimal.NewFromString(frame.Price)
	if err != nil {
		f.logger.Warn().Str("price", frame.Price).Err(err).Msg("invalid trade price")
		return
	}
	if price.Sign() <= 0 {
		f.logger.Warn().Str("price", frame.Price).Msg("non-positive trade price dropped")
		return
	}

	ts := time.Now()
	if frame.TradeTime > 0 {
		ts = time.UnixMilli(frame.TradeTime)
	}
	f.dispatch(Tick{
		Source:    SourceStream,
		Symbol:    frame.Symbol,
		Price:     price,
		Timestamp: ts,
	})
}

// dispatch records the tick and invokes every subscriber. A panicking
// subscriber is logged and does not affect the others.
func (f *Feed) dispatch(t Tick) {
	f.mu.Lock()
	f.lastPrice = t.Price
	f.hasLast = true
	subs := make([]subscriber, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, s := range subs {
		f.invoke(s, t)
	}
}

func (f *Feed) invoke(s subscriber, t Tick) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().Interface("panic", r).Int("subscriber", s.id).
				Msg("subscriber panicked on tick")
		}
	}()
	s.fn(t)
}

func (f *Feed) handleClose(conn *websocket.Conn, err error) {
	f.mu.Lock()
	if f.stopped || f.conn != conn {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	f.connected = false
	delay := f.opts.Backoff.Next(f.attempt)
	f.attempt++
	f.startPollingLocked()
	f.scheduleReconnectLocked(delay)
	f.mu.Unlock()

	conn.Close()
	f.logger.Warn().Err(err).Dur("retry_in", delay).Msg("price stream closed")
}

func (f *Feed) scheduleReconnectLocked(delay time.Duration) {
	if f.reconnectTimer != nil {
		f.reconnectTimer.Stop()
	}
	f.reconnectTimer = time.AfterFunc(delay, f.reconnect)
}

func (f *Feed) reconnect() {
	f.mu.Lock()
	if f.stopped || f.connected || f.connecting {
		f.mu.Unlock()
		return
	}
	f.connecting = true
	f.mu.Unlock()
	go f.dial()
}

// scheduleOverlapStopLocked arms the timer that retires the fallback poller
// after a reconnect. The poller keeps running through the overlap window and
// is stopped only if the stream is still up when the timer fires.
func (f *Feed) scheduleOverlapStopLocked() {
	if f.pollStop == nil {
		return
	}
	if f.overlapTimer != nil {
		f.overlapTimer.Stop()
	}
	f.overlapTimer = time.AfterFunc(f.opts.PollOverlap, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.connected && f.pollStop != nil {
			close(f.pollStop)
			f.pollStop = nil
			f.logger.Info().Msg("fallback polling stopped")
		}
	})
}

func (f *Feed) startPollingLocked() {
	if f.spot == nil || f.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	f.pollStop = stop
	go f.pollLoop(stop)
	f.logger.Info().Dur("interval", f.opts.PollInterval).Msg("fallback polling started")
}

func (f *Feed) pollLoop(stop chan struct{}) {
	f.mu.Lock()
	ctx := f.baseCtx
	f.mu.Unlock()

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pollOnce(ctx)
		}
	}
}

func (f *Feed) pollOnce(ctx context.Context) {
	price, err := f.spot.SpotPrice(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("fallback poll failed")
		return
	}
	if price.Sign() <= 0 {
		f.logger.Warn().Str("price", price.String()).Msg("non-positive poll price dropped")
		return
	}
	f.dispatch(Tick{
		Source:    SourcePoll,
		Symbol:    f.opts.Symbol,
		Price:     price,
		Timestamp: time.Now(),
	})
}
