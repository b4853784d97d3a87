package quote

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates the channel holds no active quote.
	ErrNotFound = errors.New("quote not found")
	// ErrAlreadyTerminal indicates the quote already reached accepted or expired.
	ErrAlreadyTerminal = errors.New("quote already terminal")
	// ErrInvalidTransition indicates the requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid quote transition")
)

// ActiveQuote is the desk's view of the single outstanding quote on a channel.
type ActiveQuote struct {
	ID           uuid.UUID
	ChannelID    string
	QuotedPrice  decimal.Decimal
	BasePrice    decimal.Decimal
	PriceSource  string
	Status       Status
	RepriceCount int
	QuotedAt     time.Time
}

// CreateOptions carry the optional fields recorded alongside a new quote.
type CreateOptions struct {
	BasePrice   decimal.Decimal
	PriceSource string
}

// Store is the in-memory quote registry: at most one active quote per channel.
//
// Every check-and-set runs under one mutex, so TryLock observing pending and
// flipping it to repricing is a single atomic step; two concurrent reprices
// for the same channel can never both win the lock.
type Store struct {
	mu     sync.Mutex
	quotes map[string]*ActiveQuote
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore builds an empty store. Each instance is independent; tests get
// isolated registries instead of process-wide state.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		quotes: make(map[string]*ActiveQuote),
		logger: logger.With().Str("component", "quote_store").Logger(),
		now:    time.Now,
	}
}

// Create registers a fresh pending quote for the channel, unconditionally
// replacing any quote already there.
func (s *Store) Create(channelID string, quotedPrice decimal.Decimal, opts CreateOptions) ActiveQuote {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.quotes[channelID]; ok {
		s.logger.Debug().
			Str("channel_id", channelID).
			Str("prior_status", string(prior.Status)).
			Msg("replacing existing quote")
	}

	q := &ActiveQuote{
		ID:          uuid.New(),
		ChannelID:   channelID,
		QuotedPrice: quotedPrice,
		BasePrice:   opts.BasePrice,
		PriceSource: opts.PriceSource,
		Status:      StatusPending,
		QuotedAt:    s.now(),
	}
	s.quotes[channelID] = q
	return *q
}

// Get returns a copy of the channel's active quote, if any.
func (s *Store) Get(channelID string) (ActiveQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[channelID]
	if !ok {
		return ActiveQuote{}, false
	}
	return *q, true
}

// Transition moves the channel's quote to target, enforcing the transition
// table. Terminal targets remove the quote from the store.
func (s *Store) Transition(channelID string, target Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[channelID]
	if !ok {
		return ErrNotFound
	}
	if q.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if !canTransition(q.Status, target) {
		return ErrInvalidTransition
	}

	q.Status = target
	if target.Terminal() {
		delete(s.quotes, channelID)
	}
	return nil
}

// TryLock claims the channel for a reprice. It succeeds only when a quote
// exists and is pending, moving it to repricing; any other state is a no-op
// returning false. This is the sole reprice concurrency primitive.
func (s *Store) TryLock(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[channelID]
	if !ok || q.Status != StatusPending {
		return false
	}
	q.Status = StatusRepricing
	return true
}

// Unlock releases a reprice lock, storing newPrice and returning the quote to
// pending. Calling it in any state other than repricing does nothing, so a
// late unlock cannot clobber an acceptance.
func (s *Store) Unlock(channelID string, newPrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[channelID]
	if !ok || q.Status != StatusRepricing {
		return
	}
	q.QuotedPrice = newPrice
	q.Status = StatusPending
}

// ForceAccept marks the quote accepted from pending or repricing and removes
// it. A human accepting the original price outranks an in-flight reprice, so
// this deliberately bypasses the reprice lock.
func (s *Store) ForceAccept(channelID string) (ActiveQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[channelID]
	if !ok {
		return ActiveQuote{}, ErrNotFound
	}
	if q.Status.Terminal() {
		return ActiveQuote{}, ErrAlreadyTerminal
	}

	q.Status = StatusAccepted
	accepted := *q
	delete(s.quotes, channelID)
	return accepted, nil
}

// IncrementRepriceCount bumps the quote's reprice counter and returns the new
// value, or 0 when the channel has no quote.
func (s *Store) IncrementRepriceCount(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[channelID]
	if !ok {
		return 0
	}
	q.RepriceCount++
	return q.RepriceCount
}

// SweepExpired expires pending quotes older than ttl and removes them,
// returning the expired quotes. Quotes in repricing are never swept: expiring
// one would race the in-flight reprice that holds it.
func (s *Store) SweepExpired(ttl time.Duration) []ActiveQuote {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	var expired []ActiveQuote
	for channelID, q := range s.quotes {
		if q.Status != StatusPending || q.QuotedAt.After(cutoff) {
			continue
		}
		q.Status = StatusExpired
		expired = append(expired, *q)
		delete(s.quotes, channelID)
	}

	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("expired stale quotes")
	}
	return expired
}

// Channels returns a snapshot of channel IDs with an active quote. The monitor
// iterates this snapshot so tick evaluation never holds the store lock.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.quotes))
	for channelID := range s.quotes {
		ids = append(ids, channelID)
	}
	return ids
}

// Len reports the number of active quotes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quotes)
}

// Reset discards every quote. Intended for tests and controlled shutdown.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = make(map[string]*ActiveQuote)
}
