package quote

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateReplacesExistingQuote(t *testing.T) {
	store := newTestStore()

	first := store.Create("chan-1", price("5.00"), CreateOptions{})
	second := store.Create("chan-1", price("5.10"), CreateOptions{})

	if store.Len() != 1 {
		t.Fatalf("expected exactly one quote for the channel, got %d", store.Len())
	}
	got, ok := store.Get("chan-1")
	if !ok {
		t.Fatal("quote should exist after create")
	}
	if !got.QuotedPrice.Equal(price("5.10")) {
		t.Fatalf("second create should win: got %s", got.QuotedPrice)
	}
	if got.RepriceCount != 0 {
		t.Fatalf("replacement must reset reprice count, got %d", got.RepriceCount)
	}
	if got.ID == first.ID || got.ID != second.ID {
		t.Fatal("replacement must be a fresh quote identity")
	}
}

func TestTryLockSecondCallerLoses(t *testing.T) {
	store := newTestStore()
	store.Create("chan-1", price("5.00"), CreateOptions{})

	if !store.TryLock("chan-1") {
		t.Fatal("first TryLock should succeed on a pending quote")
	}
	if store.TryLock("chan-1") {
		t.Fatal("second TryLock without an unlock must fail")
	}

	store.Unlock("chan-1", price("5.20"))
	if !store.TryLock("chan-1") {
		t.Fatal("TryLock should succeed again after unlock")
	}
}

func TestTryLockMissingQuote(t *testing.T) {
	store := newTestStore()
	if store.TryLock("ghost") {
		t.Fatal("TryLock must fail when no quote exists")
	}
}

func TestTryLockIsAtomicUnderContention(t *testing.T) {
	store := newTestStore()
	store.Create("chan-1", price("5.00"), CreateOptions{})

	const callers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.TryLock("chan-1") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("exactly one caller must win the lock, got %d", won)
	}
}

func TestUnlockUpdatesPriceAndReturnsToPending(t *testing.T) {
	store := newTestStore()
	store.Create("chan-1", price("5.00"), CreateOptions{})

	if !store.TryLock("chan-1") {
		t.Fatal("TryLock should succeed")
	}
	store.Unlock("chan-1", price("5.20"))

	got, ok := store.Get("chan-1")
	if !ok {
		t.Fatal("quote should still exist")
	}
	if !got.QuotedPrice.Equal(price("5.20")) {
		t.Fatalf("unlock should store the new price: got %s", got.QuotedPrice)
	}
	if got.Status != StatusPending {
		t.Fatalf("unlock should return the quote to pending, got %s", got.Status)
	}
}

func TestUnlockOutsideRepricingIsNoop(t *testing.T) {
	store := newTestStore()
	store.Create("chan-1", price("5.00"), CreateOptions{})

	store.Unlock("chan-1", price("9.99"))

	got, _ := store.Get("chan-1")
	if !got.QuotedPrice.Equal(price("5.00")) {
		t.Fatalf("unlock on a pending quote must not change the price, got %s", got.QuotedPrice)
	}
}

func TestForceAcceptFromPendingAndRepricing(t *testing.T) {
	store := newTestStore()

	store.Create("chan-1", price("5.00"), CreateOptions{})
	if _, err := store.ForceAccept("chan-1"); err != nil {
		t.Fatalf("force-accept from pending should succeed: %v", err)
	}
	if _, ok := store.Get("chan-1"); ok {
		t.Fatal("accepted quote must be removed from the store")
	}

	store.Create("chan-2", price("5.00"), CreateOptions{})
	if !store.TryLock("chan-2") {
		t.Fatal("TryLock should succeed")
	}
	accepted, err := store.ForceAccept("chan-2")
	if err != nil {
		t.Fatalf("force-accept must win over an in-flight reprice: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected accepted status, got %s", accepted.Status)
	}
	if _, ok := store.Get("chan-2"); ok {
		t.Fatal("accepted quote must be removed from the store")
	}

	// The reprice's late unlock must not resurrect the quote.
	store.Unlock("chan-2", price("5.30"))
	if _, ok := store.Get("chan-2"); ok {
		t.Fatal("late unlock after acceptance must be a no-op")
	}
}

func TestForceAcceptMissingQuote(t *testing.T) {
	store := newTestStore()
	if _, err := store.ForceAccept("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	store := newTestStore()
	store.Create("chan-1", price("5.00"), CreateOptions{})

	if err := store.Transition("chan-1", StatusRepricing); err != nil {
		t.Fatalf("pending→repricing should be allowed: %v", err)
	}
	if err := store.Transition("chan-1", StatusExpired); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("repricing→expired must be rejected, got %v", err)
	}
	if err := store.Transition("chan-1", StatusPending); err != nil {
		t.Fatalf("repricing→pending should be allowed: %v", err)
	}
	if err := store.Transition("chan-1", StatusAccepted); err != nil {
		t.Fatalf("pending→accepted should be allowed: %v", err)
	}
	if err := store.Transition("chan-1", StatusPending); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal transition removes the quote, expected ErrNotFound, got %v", err)
	}
}

func TestSweepExpiredSkipsRepricing(t *testing.T) {
	store := newTestStore()
	base := time.Now()
	store.now = func() time.Time { return base }

	store.Create("stale-pending", price("5.00"), CreateOptions{})
	store.Create("stale-repricing", price("5.00"), CreateOptions{})
	if !store.TryLock("stale-repricing") {
		t.Fatal("TryLock should succeed")
	}

	// Both quotes are now far older than any sane TTL.
	store.now = func() time.Time { return base.Add(time.Hour) }

	expired := store.SweepExpired(time.Minute)
	if len(expired) != 1 || expired[0].ChannelID != "stale-pending" {
		t.Fatalf("only the pending quote should expire, got %+v", expired)
	}
	if _, ok := store.Get("stale-pending"); ok {
		t.Fatal("expired quote must be removed")
	}
	if got, ok := store.Get("stale-repricing"); !ok || got.Status != StatusRepricing {
		t.Fatal("repricing quote must survive the sweep regardless of age")
	}
}

func TestSweepExpiredKeepsFreshQuotes(t *testing.T) {
	store := newTestStore()
	store.Create("fresh", price("5.00"), CreateOptions{})

	if expired := store.SweepExpired(time.Hour); len(expired) != 0 {
		t.Fatalf("fresh quote must not expire, got %+v", expired)
	}
}

func TestIncrementRepriceCount(t *testing.T) {
	store := newTestStore()
	store.Create("chan-1", price("5.00"), CreateOptions{})

	if n := store.IncrementRepriceCount("chan-1"); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n := store.IncrementRepriceCount("chan-1"); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n := store.IncrementRepriceCount("ghost"); n != 0 {
		t.Fatalf("missing quote should count 0, got %d", n)
	}
}

func TestChannelsSnapshot(t *testing.T) {
	store := newTestStore()
	store.Create("a", price("1"), CreateOptions{})
	store.Create("b", price("2"), CreateOptions{})

	ids := store.Channels()
	if len(ids) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(ids))
	}

	store.Reset()
	if store.Len() != 0 {
		t.Fatal("reset should discard all quotes")
	}
}
