// Package schema defines the account and balance types shared across the
// balance synchronization service.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/errs"
)

// WatchedAccount describes one broker account the client keeps in sync.
// The set of watched accounts is owned by the external account-list provider;
// entries are immutable from the client's perspective.
type WatchedAccount struct {
	// CanonicalID is the application-level identifier used by every
	// non-streaming part of the system.
	CanonicalID string
	// NumericAlias is a secondary numeric identifier (trading login) some
	// gateways report instead of the canonical id. Zero when absent.
	NumericAlias int64
	// CredentialRef is an opaque handle the token provider resolves into a
	// streaming credential.
	CredentialRef string
}

// Validate ensures the account carries a usable canonical identifier.
func (a WatchedAccount) Validate() error {
	if strings.TrimSpace(a.CanonicalID) == "" {
		return errs.New("schema/watched-account", errs.CodeInvalid, errs.WithMessage("canonical id required"))
	}
	return nil
}

// CanonicalIDs extracts the canonical identifiers from a watched-account set.
func CanonicalIDs(accounts []WatchedAccount) []string {
	if len(accounts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.CanonicalID)
	}
	return ids
}

// BalanceSnapshot is the latest known balance state for one account.
// Snapshots are overwritten wholesale on each update; a merge preserves a
// previously known field only when the new message omits it.
type BalanceSnapshot struct {
	CanonicalID     string
	Balance         decimal.Decimal
	Equity          decimal.Decimal
	Currency        string
	MarginAvailable decimal.Decimal
	// Degraded marks snapshots keyed by a raw stream identifier that never
	// reconciled to a watched account.
	Degraded    bool
	LastUpdated time.Time
}

// ClosedPositionStats accumulates derived metrics from position-closed
// messages, independent of the balance snapshot path.
type ClosedPositionStats struct {
	CanonicalID    string
	ClosedCount    int64
	RealizedProfit decimal.Decimal
	LastClosedAt   time.Time
}
