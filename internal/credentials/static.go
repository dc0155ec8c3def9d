// Package credentials resolves watched accounts into streaming credentials.
package credentials

import (
	"context"
	"strings"
	"sync"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/schema"
)

// StaticProvider serves credentials loaded from configuration: a per-account
// token when one was declared, otherwise the shared fallback. Tokens can be
// rotated at runtime with SetToken.
type StaticProvider struct {
	mu       sync.RWMutex
	tokens   map[string]string
	fallback string
}

// NewStaticProvider builds a provider from an account-id to token map and a
// fallback token. Either side may be empty as long as every lookup can be
// served.
func NewStaticProvider(tokens map[string]string, fallback string) *StaticProvider {
	copied := make(map[string]string, len(tokens))
	for id, tok := range tokens {
		if strings.TrimSpace(tok) != "" {
			copied[id] = tok
		}
	}
	return &StaticProvider{tokens: copied, fallback: fallback}
}

// StreamingToken implements the stream token provider contract.
func (p *StaticProvider) StreamingToken(_ context.Context, account schema.WatchedAccount) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if tok, ok := p.tokens[account.CanonicalID]; ok {
		return tok, nil
	}
	if ref := strings.TrimSpace(account.CredentialRef); ref != "" {
		if tok, ok := p.tokens[ref]; ok {
			return tok, nil
		}
	}
	if p.fallback != "" {
		return p.fallback, nil
	}
	return "", errs.New("credentials/static", errs.CodeCredential,
		errs.WithMessage("no token for account"),
		errs.WithRawCode(account.CanonicalID),
	)
}

// SetToken installs or replaces the token for one account id.
func (p *StaticProvider) SetToken(id, token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(token) == "" {
		delete(p.tokens, id)
		return
	}
	p.tokens[id] = token
}
