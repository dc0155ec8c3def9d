// Package balances maintains the latest known balance per canonical account
// and notifies observers on change.
package balances

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/schema"
)

const defaultWatchBuffer = 8

// Update carries the fields of one inbound balance-bearing message. Nil
// pointer fields were omitted by the gateway and keep their previously known
// value during the merge.
type Update struct {
	Balance         *decimal.Decimal
	Equity          *decimal.Decimal
	MarginAvailable *decimal.Decimal
	Currency        string
	// Degraded marks updates stored under a raw stream identifier because
	// reconciliation produced no canonical id.
	Degraded bool
	// Observed is the gateway-embedded event timestamp; zero when the message
	// carried none. The store never lets LastUpdated move backwards.
	Observed time.Time
}

// Snapshot is an immutable copy of the store contents keyed by canonical id.
type Snapshot map[string]schema.BalanceSnapshot

// Store is the authoritative in-memory balance state for one client session.
// Instances are injected into consumers; lifecycle is owned by the session,
// not the process.
type Store struct {
	mu          sync.RWMutex
	snapshots   map[string]schema.BalanceSnapshot
	closedStats map[string]schema.ClosedPositionStats
	watchers    map[uint64]chan Snapshot
	nextWatch   uint64
	now         func() time.Time
}

// NewStore constructs an empty store. A nil clock defaults to time.Now.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		snapshots:   make(map[string]schema.BalanceSnapshot),
		closedStats: make(map[string]schema.ClosedPositionStats),
		watchers:    make(map[uint64]chan Snapshot),
		nextWatch:   0,
		now:         clock,
	}
}

// Apply merges the update onto the existing snapshot for canonicalID and
// notifies watchers. Value fields are last-write-wins by arrival order;
// LastUpdated always reflects store freshness and never rolls backward.
func (s *Store) Apply(canonicalID string, u Update) schema.BalanceSnapshot {
	s.mu.Lock()

	prev, existed := s.snapshots[canonicalID]
	next := prev
	next.CanonicalID = canonicalID
	if u.Balance != nil {
		next.Balance = *u.Balance
	}
	if u.Equity != nil {
		next.Equity = *u.Equity
	}
	if u.MarginAvailable != nil {
		next.MarginAvailable = *u.MarginAvailable
	}
	if u.Currency != "" {
		next.Currency = u.Currency
	}
	next.Degraded = u.Degraded

	stamp := u.Observed
	if stamp.IsZero() || (existed && stamp.Before(prev.LastUpdated)) {
		stamp = s.now()
	}
	if existed && stamp.Before(prev.LastUpdated) {
		stamp = prev.LastUpdated
	}
	next.LastUpdated = stamp

	s.snapshots[canonicalID] = next
	view := s.copyLocked()
	s.mu.Unlock()

	s.notify(view)
	return next
}

// Get returns the snapshot for the canonical id, if present. Never blocks.
func (s *Store) Get(canonicalID string) (schema.BalanceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[canonicalID]
	return snap, ok
}

// Balance returns the best-effort balance value for the canonical id, zero
// when unknown.
func (s *Store) Balance(canonicalID string) decimal.Decimal {
	snap, ok := s.Get(canonicalID)
	if !ok {
		return decimal.Zero
	}
	return snap.Balance
}

// All returns a copy of every snapshot keyed by canonical id.
func (s *Store) All() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// LastUpdated reports the most recent update instant across the given
// canonical ids; zero when none of them has ever been updated. An empty id
// slice scans the whole store.
func (s *Store) LastUpdated(canonicalIDs []string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	if len(canonicalIDs) == 0 {
		for _, snap := range s.snapshots {
			if snap.LastUpdated.After(latest) {
				latest = snap.LastUpdated
			}
		}
		return latest
	}
	for _, id := range canonicalIDs {
		if snap, ok := s.snapshots[id]; ok && snap.LastUpdated.After(latest) {
			latest = snap.LastUpdated
		}
	}
	return latest
}

// RecordClosedPosition folds a position-closed message into the derived
// per-account statistics. Independent of the balance snapshot path.
func (s *Store) RecordClosedPosition(canonicalID string, profit decimal.Decimal, closedAt time.Time) schema.ClosedPositionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.closedStats[canonicalID]
	stats.CanonicalID = canonicalID
	stats.ClosedCount++
	stats.RealizedProfit = stats.RealizedProfit.Add(profit)
	if closedAt.IsZero() {
		closedAt = s.now()
	}
	if closedAt.After(stats.LastClosedAt) {
		stats.LastClosedAt = closedAt
	}
	s.closedStats[canonicalID] = stats
	return stats
}

// ClosedStats returns the derived closed-position statistics for an account.
func (s *Store) ClosedStats(canonicalID string) (schema.ClosedPositionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.closedStats[canonicalID]
	return stats, ok
}

// Watch registers an observer. Every successful update delivers a full store
// snapshot on the returned channel; when the observer lags, the oldest
// pending snapshot is dropped so the latest state always gets through.
// The returned cancel function must be called to release the watcher.
func (s *Store) Watch(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	ch := make(chan Snapshot, buffer)

	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Reset drops every snapshot, statistic, and watcher. Called on full session
// teardown only.
func (s *Store) Reset() {
	s.mu.Lock()
	s.snapshots = make(map[string]schema.BalanceSnapshot)
	s.closedStats = make(map[string]schema.ClosedPositionStats)
	watchers := s.watchers
	s.watchers = make(map[uint64]chan Snapshot)
	s.mu.Unlock()

	for _, ch := range watchers {
		close(ch)
	}
}

func (s *Store) copyLocked() Snapshot {
	out := make(Snapshot, len(s.snapshots))
	for id, snap := range s.snapshots {
		out[id] = snap
	}
	return out
}

func (s *Store) notify(view Snapshot) {
	// Sends stay under the read lock so a concurrent cancel cannot close a
	// channel mid-delivery; all sends are non-blocking.
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.watchers {
		select {
		case ch <- view:
		default:
			// Latest-wins: evict the oldest pending snapshot and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}
