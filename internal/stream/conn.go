package stream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/schema"
)

// connManager owns the transport session: credential fetch, dial, settle
// delay, reconnect backoff, and teardown. All fields are guarded by the
// client mutex; methods with the Locked suffix require it held.
//
// gen is a teardown generation counter. Every timer callback and dial
// completion captures the generation it was armed under and aborts when the
// counter has moved, so callbacks from a dismantled session never touch the
// one that replaced it.
type connManager struct {
	c *Client

	state ConnState
	conn  Conn
	gen   uint64

	attempts int
	policy   *backoff.ExponentialBackOff
	// credentialHold blocks automatic redials after a credential fetch
	// failure until the next watched-accounts change.
	credentialHold bool

	settleTimer    *time.Timer
	reconnectTimer *time.Timer
	dialCancel     context.CancelFunc
}

func newConnManager(c *Client) *connManager {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInitial
	policy.MaxInterval = c.cfg.ReconnectCeiling
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	return &connManager{c: c, policy: policy}
}

// ensureConnectedLocked starts a dial when the session is down and there is
// something to watch. No-op in every other state.
func (cm *connManager) ensureConnectedLocked() {
	if cm.c.closed || cm.state != ConnDisconnected || cm.credentialHold {
		return
	}
	if len(cm.c.accounts) == 0 {
		return
	}
	account := cm.c.accounts[0]
	cm.state = ConnConnecting
	gen := cm.gen
	ctx, cancel := context.WithCancel(context.Background())
	cm.dialCancel = cancel
	cm.c.lifecycle.Go(func() { cm.establish(ctx, gen, account) })
}

// establish runs off-lock: fetches a credential, dials, then re-acquires the
// lock to install the connection. The generation check discards the result
// if the session was torn down mid-flight.
func (cm *connManager) establish(ctx context.Context, gen uint64, account schema.WatchedAccount) {
	c := cm.c
	token, err := c.tokens.StreamingToken(ctx, account)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != cm.gen || c.closed {
			return
		}
		cm.state = ConnDisconnected
		cm.releaseDialLocked()
		cm.credentialHold = true
		c.metrics.RecordReconnect(ctx, "credential_error")
		c.log.Error("credential fetch failed, holding until account change",
			observability.F("account", account.CanonicalID),
			observability.F("error", errs.New("stream/conn", errs.CodeCredential, errs.WithCause(err))),
		)
		return
	}

	identity := SessionIdentity{SessionID: uuid.NewString(), UserID: c.cfg.UserID}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(dialCtx, identity)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != cm.gen || c.closed {
		if err == nil {
			go func() { _ = conn.Close("superseded") }()
		}
		return
	}
	cm.releaseDialLocked()
	if err != nil {
		cm.state = ConnDisconnected
		c.metrics.RecordReconnect(ctx, "error")
		c.log.Warn("dial failed",
			observability.F("session", identity.SessionID),
			observability.F("error", errs.New("stream/conn", errs.CodeTransport, errs.WithCause(err))),
		)
		cm.scheduleReconnectLocked()
		return
	}

	cm.state = ConnConnected
	cm.conn = conn
	cm.attempts = 0
	cm.policy.Reset()
	c.lastToken = token
	c.metrics.RecordReconnect(ctx, "success")
	c.log.Info("connected",
		observability.F("session", identity.SessionID),
		observability.F("accounts", len(c.accounts)),
	)

	// Let the transport settle before the handshake; the timer validates the
	// connection identity in case a teardown raced it.
	active := conn
	cm.settleTimer = time.AfterFunc(c.cfg.SettleDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cm.conn != active || cm.state != ConnConnected {
			return
		}
		c.subs.subscribeLocked()
	})
	c.lifecycle.Go(func() { cm.readPump(active) })
}

// readPump delivers envelopes sequentially until the connection dies.
// Sequential dispatch is what preserves per-account ordering.
func (cm *connManager) readPump(conn Conn) {
	for {
		env, err := conn.Receive(context.Background())
		if err != nil {
			cm.handleDisconnect(conn, err)
			return
		}
		cm.c.handleEnvelope(conn, env)
	}
}

// handleDisconnect reacts to the pump's terminal error. When the teardown
// already detached this connection the pump exits silently; otherwise this
// was an unexpected drop and the reconnect cycle starts.
func (cm *connManager) handleDisconnect(conn Conn, cause error) {
	c := cm.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if cm.conn != conn {
		return
	}
	cm.conn = nil
	cm.state = ConnDisconnected
	cm.stopSettleLocked()
	c.subs.resetLocked()
	if c.closed {
		return
	}
	c.log.Warn("connection dropped",
		observability.F("error", errs.New("stream/conn", errs.CodeTransport, errs.WithCause(cause))),
	)
	if len(c.accounts) == 0 {
		return
	}
	cm.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next dial attempt with exponential delay.
// Past the attempt budget it gives up and leaves recovery to the watchdog or
// the next watched-accounts change.
func (cm *connManager) scheduleReconnectLocked() {
	c := cm.c
	cm.attempts++
	if cm.attempts > c.cfg.ReconnectMaxAttempts {
		c.metrics.RecordReconnect(context.Background(), "exhausted")
		c.log.Error("reconnect attempts exhausted",
			observability.F("attempts", cm.attempts-1),
		)
		return
	}
	delay := cm.policy.NextBackOff()
	if delay == backoff.Stop || delay > c.cfg.ReconnectCeiling {
		delay = c.cfg.ReconnectCeiling
	}
	gen := cm.gen
	cm.stopReconnectLocked()
	cm.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != cm.gen || c.closed {
			return
		}
		cm.reconnectTimer = nil
		if cm.state != ConnDisconnected || len(c.accounts) == 0 {
			return
		}
		cm.ensureConnectedLocked()
	})
	c.log.Info("reconnect scheduled",
		observability.F("attempt", cm.attempts),
		observability.F("delay", delay.String()),
	)
}

// remoteDisconnectLocked handles a gateway-initiated disconnect event. The
// close unblocks the pump, whose error path drives the normal reconnect.
func (cm *connManager) remoteDisconnectLocked(reason string) {
	cm.c.log.Warn("gateway requested disconnect", observability.F("reason", reason))
	if cm.conn == nil {
		return
	}
	target := cm.conn
	go func() { _ = target.Close("gateway disconnect") }()
}

// teardownLocked dismantles the session: bumps the generation so in-flight
// callbacks abort, stops timers, detaches and closes the connection, and
// resets the handshake and backoff state.
func (cm *connManager) teardownLocked(reason string) {
	cm.gen++
	cm.stopSettleLocked()
	cm.stopReconnectLocked()
	cm.releaseDialLocked()
	if cm.conn != nil {
		target := cm.conn
		cm.conn = nil
		go func() { _ = target.Close(reason) }()
	}
	cm.state = ConnDisconnected
	cm.attempts = 0
	cm.policy.Reset()
	cm.c.subs.resetLocked()
}

// restartLocked tears the session down and immediately starts a fresh
// connect cycle with a reset retry budget.
func (cm *connManager) restartLocked(reason string) {
	cm.c.log.Info("restarting session", observability.F("reason", reason))
	cm.teardownLocked(reason)
	cm.ensureConnectedLocked()
}

// releaseDialLocked cancels and forgets the per-attempt dial context.
func (cm *connManager) releaseDialLocked() {
	if cm.dialCancel != nil {
		cm.dialCancel()
		cm.dialCancel = nil
	}
}

func (cm *connManager) stopSettleLocked() {
	if cm.settleTimer != nil {
		cm.settleTimer.Stop()
		cm.settleTimer = nil
	}
}

func (cm *connManager) stopReconnectLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
}
