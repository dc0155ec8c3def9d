package balances

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestApplyCreatesSnapshot(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(clock.Now)

	snap := store.Apply("1492655", Update{
		Balance:  dec("1000.50"),
		Equity:   dec("998.20"),
		Currency: "USD",
	})

	if snap.CanonicalID != "1492655" {
		t.Fatalf("unexpected canonical id %q", snap.CanonicalID)
	}
	if !snap.Balance.Equal(decimal.RequireFromString("1000.50")) {
		t.Fatalf("unexpected balance %s", snap.Balance)
	}
	if !snap.LastUpdated.Equal(clock.Now()) {
		t.Fatalf("expected lastUpdated %v, got %v", clock.Now(), snap.LastUpdated)
	}
}

func TestApplyMergePreservesOmittedFields(t *testing.T) {
	store := NewStore(nil)
	store.Apply("acct", Update{Balance: dec("100"), Equity: dec("90"), Currency: "EUR"})

	snap := store.Apply("acct", Update{Balance: dec("120")})
	if !snap.Equity.Equal(decimal.RequireFromString("90")) {
		t.Fatalf("equity lost in merge: %s", snap.Equity)
	}
	if snap.Currency != "EUR" {
		t.Fatalf("currency lost in merge: %q", snap.Currency)
	}
	if !snap.Balance.Equal(decimal.RequireFromString("120")) {
		t.Fatalf("balance not overwritten: %s", snap.Balance)
	}
}

func TestApplyOrderingLastWriteWins(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(clock.Now)

	for i, v := range []string{"10", "20", "30"} {
		clock.advance(time.Duration(i+1) * time.Second)
		store.Apply("acct", Update{Balance: dec(v)})
	}

	snap, ok := store.Get("acct")
	if !ok {
		t.Fatal("missing snapshot")
	}
	if !snap.Balance.Equal(decimal.RequireFromString("30")) {
		t.Fatalf("expected final value 30, got %s", snap.Balance)
	}
	if !snap.LastUpdated.Equal(clock.Now()) {
		t.Fatalf("expected lastUpdated at final receipt time, got %v", snap.LastUpdated)
	}
}

func TestApplyNeverRollsLastUpdatedBackward(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(clock.Now)

	store.Apply("acct", Update{Balance: dec("10"), Observed: clock.Now()})
	clock.advance(time.Minute)

	// Out-of-order message with an older embedded timestamp: values apply by
	// arrival order, freshness moves to "now".
	stale := clock.Now().Add(-time.Hour)
	snap := store.Apply("acct", Update{Balance: dec("5"), Observed: stale})

	if !snap.Balance.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("value fields must apply as-is, got %s", snap.Balance)
	}
	if !snap.LastUpdated.Equal(clock.Now()) {
		t.Fatalf("expected lastUpdated to advance to now, got %v", snap.LastUpdated)
	}
}

func TestLastUpdatedAcrossAccounts(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(clock.Now)

	if !store.LastUpdated(nil).IsZero() {
		t.Fatal("expected zero time for empty store")
	}

	store.Apply("a", Update{Balance: dec("1")})
	first := clock.Now()
	clock.advance(10 * time.Second)
	store.Apply("b", Update{Balance: dec("2")})

	got := store.LastUpdated([]string{"a", "b"})
	if !got.Equal(clock.Now()) {
		t.Fatalf("expected latest across accounts, got %v", got)
	}
	if !store.LastUpdated([]string{"a"}).Equal(first) {
		t.Fatal("expected per-account lastUpdated")
	}
	if !store.LastUpdated([]string{"missing"}).IsZero() {
		t.Fatal("expected zero time for unknown account")
	}
}

func TestWatchDeliversUpdates(t *testing.T) {
	store := NewStore(nil)
	ch, cancel := store.Watch(4)
	defer cancel()

	store.Apply("acct", Update{Balance: dec("42"), Currency: "USD"})

	select {
	case view := <-ch:
		snap, ok := view["acct"]
		if !ok {
			t.Fatal("snapshot missing from change notification")
		}
		if !snap.Balance.Equal(decimal.RequireFromString("42")) {
			t.Fatalf("unexpected balance %s", snap.Balance)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change notification")
	}
}

func TestWatchLaggingObserverGetsLatest(t *testing.T) {
	store := NewStore(nil)
	ch, cancel := store.Watch(1)
	defer cancel()

	// Two updates against a buffer of one: the first pending view is evicted.
	store.Apply("acct", Update{Balance: dec("1")})
	store.Apply("acct", Update{Balance: dec("2")})

	select {
	case view := <-ch:
		if !view["acct"].Balance.Equal(decimal.RequireFromString("2")) {
			t.Fatalf("expected latest snapshot, got %s", view["acct"].Balance)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func TestWatchCancelClosesChannel(t *testing.T) {
	store := NewStore(nil)
	ch, cancel := store.Watch(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Updates after cancel must not panic.
	store.Apply("acct", Update{Balance: dec("1")})
}

func TestRecordClosedPosition(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(clock.Now)

	store.RecordClosedPosition("acct", decimal.RequireFromString("12.5"), clock.Now())
	clock.advance(time.Minute)
	stats := store.RecordClosedPosition("acct", decimal.RequireFromString("-4.5"), clock.Now())

	if stats.ClosedCount != 2 {
		t.Fatalf("expected 2 closed positions, got %d", stats.ClosedCount)
	}
	if !stats.RealizedProfit.Equal(decimal.RequireFromString("8")) {
		t.Fatalf("expected realized profit 8, got %s", stats.RealizedProfit)
	}
	if !stats.LastClosedAt.Equal(clock.Now()) {
		t.Fatalf("expected lastClosedAt %v, got %v", clock.Now(), stats.LastClosedAt)
	}
}

func TestResetClearsEverything(t *testing.T) {
	store := NewStore(nil)
	ch, _ := store.Watch(1)
	store.Apply("acct", Update{Balance: dec("1")})
	store.RecordClosedPosition("acct", decimal.New(1, 0), time.Time{})

	store.Reset()

	if len(store.All()) != 0 {
		t.Fatal("expected empty store after reset")
	}
	if _, ok := store.ClosedStats("acct"); ok {
		t.Fatal("expected cleared stats after reset")
	}
	// Watcher channel is closed by reset.
	for {
		if _, ok := <-ch; !ok {
			return
		}
	}
}

func TestBalanceBestEffortRead(t *testing.T) {
	store := NewStore(nil)
	if !store.Balance("nope").IsZero() {
		t.Fatal("expected zero for unknown account")
	}
	store.Apply("acct", Update{Balance: dec("7")})
	if !store.Balance("acct").Equal(decimal.RequireFromString("7")) {
		t.Fatal("unexpected balance")
	}
}
