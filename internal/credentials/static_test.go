package credentials

import (
	"context"
	"testing"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/schema"
)

func TestStreamingTokenPrecedence(t *testing.T) {
	p := NewStaticProvider(map[string]string{
		"acct-1": "tok-direct",
		"ref-7":  "tok-ref",
	}, "tok-fallback")

	tok, err := p.StreamingToken(context.Background(), schema.WatchedAccount{CanonicalID: "acct-1"})
	if err != nil || tok != "tok-direct" {
		t.Fatalf("direct lookup = %q, %v", tok, err)
	}

	tok, err = p.StreamingToken(context.Background(), schema.WatchedAccount{CanonicalID: "acct-2", CredentialRef: "ref-7"})
	if err != nil || tok != "tok-ref" {
		t.Fatalf("credential ref lookup = %q, %v", tok, err)
	}

	tok, err = p.StreamingToken(context.Background(), schema.WatchedAccount{CanonicalID: "unknown"})
	if err != nil || tok != "tok-fallback" {
		t.Fatalf("fallback lookup = %q, %v", tok, err)
	}
}

func TestStreamingTokenMissing(t *testing.T) {
	p := NewStaticProvider(nil, "")
	_, err := p.StreamingToken(context.Background(), schema.WatchedAccount{CanonicalID: "acct-1"})
	if err == nil {
		t.Fatal("missing token accepted")
	}
	if errs.CodeOf(err) != errs.CodeCredential {
		t.Fatalf("code = %s, want credential_fetch", errs.CodeOf(err))
	}
}

func TestSetTokenRotation(t *testing.T) {
	p := NewStaticProvider(map[string]string{"acct-1": "old"}, "")
	p.SetToken("acct-1", "new")
	tok, err := p.StreamingToken(context.Background(), schema.WatchedAccount{CanonicalID: "acct-1"})
	if err != nil || tok != "new" {
		t.Fatalf("rotated token = %q, %v", tok, err)
	}

	p.SetToken("acct-1", "")
	if _, err := p.StreamingToken(context.Background(), schema.WatchedAccount{CanonicalID: "acct-1"}); err == nil {
		t.Fatal("deleted token still served")
	}
}
