// Package stream implements the real-time balance synchronization client: it
// owns the gateway connection lifecycle, the subscribe handshake, message
// dispatch, identifier reconciliation, and staleness recovery.
package stream

import (
	"context"

	"github.com/ledgerline/ledgerline/internal/schema"
)

// SessionIdentity is announced to the gateway on connect so subsequent
// messages are scoped to this session.
type SessionIdentity struct {
	SessionID string
	UserID    string
}

// Dialer opens a transport session to the gateway. Implementations dial once
// per call and perform no hidden retry loop; reconnection policy is owned
// exclusively by the client.
type Dialer interface {
	Dial(ctx context.Context, identity SessionIdentity) (Conn, error)
}

// Conn is one established transport session. Receive returns envelopes in
// arrival order; after Close, Receive returns an error and no further
// envelopes are observed.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close(reason string) error
}

// TokenProvider resolves a watched account into a streaming credential. The
// credential issuance flow itself is an external collaborator.
type TokenProvider interface {
	StreamingToken(ctx context.Context, account schema.WatchedAccount) (string, error)
}
