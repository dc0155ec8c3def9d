// Package reconcile maps gateway stream identifiers onto canonical account ids.
package reconcile

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ledgerline/ledgerline/internal/schema"
)

// Strategy tags one of the ordered matching rules. Rules are evaluated in
// declaration order; the first match wins.
type Strategy int

const (
	// StrategyExact matches the stream identifier byte-for-byte against the
	// canonical id.
	StrategyExact Strategy = iota
	// StrategyStripPrefix matches after removing a single-letter-and-'#'
	// marker (e.g. "D#1492655" -> "1492655").
	StrategyStripPrefix
	// StrategyContains matches on substring containment in either direction
	// between the stripped stream identifier and the canonical id.
	StrategyContains
	// StrategyNumericAlias matches the stripped stream identifier numerically
	// against the account's secondary numeric identifier.
	StrategyNumericAlias
)

var strategyNames = map[Strategy]string{
	StrategyExact:        "exact",
	StrategyStripPrefix:  "strip_prefix",
	StrategyContains:     "contains",
	StrategyNumericAlias: "numeric_alias",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// orderedStrategies is the authoritative evaluation order.
var orderedStrategies = []Strategy{
	StrategyExact,
	StrategyStripPrefix,
	StrategyContains,
	StrategyNumericAlias,
}

// markerPattern recognises the live/demo marker some gateways prepend to
// account identifiers.
var markerPattern = regexp.MustCompile(`^[A-Za-z]#`)

// StripMarker removes the single-letter-and-'#' prefix from a stream
// identifier, if present.
func StripMarker(streamID string) string {
	return markerPattern.ReplaceAllString(streamID, "")
}

// Match records the outcome of a successful reconciliation.
type Match struct {
	CanonicalID string
	Strategy    Strategy
}

// Reconciler resolves stream identifiers deterministically and idempotently.
// Resolved mappings are cached for the lifetime of the reconciler: once a
// stream identifier maps to a canonical id it never un-resolves, even if the
// watched-account set changes afterwards.
type Reconciler struct {
	mu    sync.Mutex
	cache map[string]string
}

// New constructs an empty reconciler.
func New() *Reconciler {
	return &Reconciler{cache: make(map[string]string)}
}

// Resolve returns the canonical account id for the given stream identifier,
// or false when no watched account matches under any strategy.
func (r *Reconciler) Resolve(streamID string, accounts []schema.WatchedAccount) (string, bool) {
	match, ok := r.ResolveMatch(streamID, accounts)
	return match.CanonicalID, ok
}

// ResolveMatch behaves like Resolve but also reports which strategy produced
// the mapping. Cached hits report StrategyExact for the cached id.
func (r *Reconciler) ResolveMatch(streamID string, accounts []schema.WatchedAccount) (Match, bool) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return Match{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[streamID]; ok {
		return Match{CanonicalID: cached, Strategy: StrategyExact}, true
	}

	stripped := StripMarker(streamID)
	for _, strategy := range orderedStrategies {
		for _, account := range accounts {
			if !matches(strategy, streamID, stripped, account) {
				continue
			}
			r.cache[streamID] = account.CanonicalID
			return Match{CanonicalID: account.CanonicalID, Strategy: strategy}, true
		}
	}
	return Match{}, false
}

// Mapped reports whether the stream identifier already resolved.
func (r *Reconciler) Mapped(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cache[strings.TrimSpace(streamID)]
	return ok
}

// Size returns the number of cached mappings.
func (r *Reconciler) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Reset clears every cached mapping. Called on full session teardown only;
// reconnects within a session keep the mapping intact.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

func matches(strategy Strategy, streamID, stripped string, account schema.WatchedAccount) bool {
	raw := strings.TrimSpace(account.CanonicalID)
	if raw == "" {
		return false
	}
	switch strategy {
	case StrategyExact:
		return streamID == raw
	case StrategyStripPrefix:
		return stripped != streamID && stripped == raw
	case StrategyContains:
		if stripped == "" {
			return false
		}
		return strings.Contains(stripped, raw) || strings.Contains(raw, stripped)
	case StrategyNumericAlias:
		if account.NumericAlias == 0 {
			return false
		}
		n, err := strconv.ParseInt(stripped, 10, 64)
		if err != nil {
			return false
		}
		return n == account.NumericAlias
	default:
		return false
	}
}
