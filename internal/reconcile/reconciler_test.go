package reconcile

import (
	"testing"

	"github.com/ledgerline/ledgerline/internal/schema"
)

func watched(ids ...string) []schema.WatchedAccount {
	out := make([]schema.WatchedAccount, 0, len(ids))
	for _, id := range ids {
		out = append(out, schema.WatchedAccount{CanonicalID: id})
	}
	return out
}

func TestStripMarker(t *testing.T) {
	cases := map[string]string{
		"D#1492655": "1492655",
		"L#88001":   "88001",
		"1492655":   "1492655",
		"DD#123":    "DD#123",
		"#123":      "#123",
	}
	for in, want := range cases {
		if got := StripMarker(in); got != want {
			t.Errorf("StripMarker(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveExactMatch(t *testing.T) {
	r := New()
	id, ok := r.Resolve("1492655", watched("1492655"))
	if !ok || id != "1492655" {
		t.Fatalf("expected exact match, got %q ok=%v", id, ok)
	}
}

func TestResolveStripsDemoMarker(t *testing.T) {
	r := New()
	match, ok := r.ResolveMatch("D#1492655", watched("1492655"))
	if !ok {
		t.Fatal("expected match after stripping marker")
	}
	if match.CanonicalID != "1492655" {
		t.Fatalf("expected canonical id 1492655, got %q", match.CanonicalID)
	}
	if match.Strategy != StrategyStripPrefix {
		t.Fatalf("expected strip_prefix strategy, got %s", match.Strategy)
	}
}

func TestResolveContainment(t *testing.T) {
	r := New()
	// stripped stream id contained inside a longer canonical id
	match, ok := r.ResolveMatch("L#88001", watched("ACC-88001-EUR"))
	if !ok || match.Strategy != StrategyContains {
		t.Fatalf("expected containment match, got %+v ok=%v", match, ok)
	}
}

func TestResolveNumericAlias(t *testing.T) {
	r := New()
	accounts := []schema.WatchedAccount{{CanonicalID: "primary-account", NumericAlias: 734221}}
	match, ok := r.ResolveMatch("D#734221", accounts)
	if !ok {
		t.Fatal("expected numeric alias match")
	}
	if match.CanonicalID != "primary-account" || match.Strategy != StrategyNumericAlias {
		t.Fatalf("unexpected match %+v", match)
	}
}

func TestResolvePriorityOrder(t *testing.T) {
	r := New()
	// Both accounts could match "D#12" via containment, but the exact rule on
	// the raw identifier must win first.
	accounts := []schema.WatchedAccount{
		{CanonicalID: "12"},
		{CanonicalID: "D#12"},
	}
	match, ok := r.ResolveMatch("D#12", accounts)
	if !ok {
		t.Fatal("expected match")
	}
	if match.CanonicalID != "D#12" || match.Strategy != StrategyExact {
		t.Fatalf("expected exact rule to win, got %+v", match)
	}
}

func TestResolveUnknownIdentifier(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("D#999999", watched("1492655")); ok {
		t.Fatal("expected no match for unknown identifier")
	}
	if r.Size() != 0 {
		t.Fatal("failed lookups must not be cached")
	}
}

func TestResolveIsIdempotentAcrossAccountChanges(t *testing.T) {
	r := New()
	id, ok := r.Resolve("D#1492655", watched("1492655"))
	if !ok || id != "1492655" {
		t.Fatalf("initial resolution failed: %q ok=%v", id, ok)
	}

	// The watched set changes; the resolved identifier must stay stable even
	// though the original account is gone.
	id2, ok := r.Resolve("D#1492655", watched("someone-else"))
	if !ok || id2 != id {
		t.Fatalf("resolved identifier un-resolved: got %q ok=%v, want %q", id2, ok, id)
	}
}

func TestResetClearsCache(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("D#1492655", watched("1492655")); !ok {
		t.Fatal("expected match")
	}
	if !r.Mapped("D#1492655") {
		t.Fatal("expected mapping to be cached")
	}
	r.Reset()
	if r.Mapped("D#1492655") {
		t.Fatal("expected cache cleared after reset")
	}
	if _, ok := r.Resolve("D#1492655", nil); ok {
		t.Fatal("expected no match against empty account set after reset")
	}
}

func TestResolveEmptyStreamID(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("   ", watched("1492655")); ok {
		t.Fatal("expected no match for blank identifier")
	}
}
