package stream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/schema"
)

// subController drives the subscribe handshake on the current connection.
// At most one request is in flight; the gateway may answer on either of two
// ack paths and whichever lands first resolves the request, the other is a
// no-op. Guarded by the client mutex.
type subController struct {
	c       *Client
	state   SubState
	pending *pendingSubscribe
	// activeSince anchors staleness when a subscription has produced no data
	// at all yet.
	activeSince time.Time
	// dirty marks a watched-account change that could not be forwarded yet;
	// activation flushes it.
	dirty bool
}

type pendingSubscribe struct {
	id       string
	sentAt   time.Time
	timer    *time.Timer
	resolved bool
}

// subscribeLocked sends the subscribe request and arms the ack timeout.
// Duplicate calls while a request is pending or active are dropped.
func (s *subController) subscribeLocked() {
	c := s.c
	if c.closed || c.conn.state != ConnConnected || c.conn.conn == nil {
		return
	}
	if s.state == SubAwaitingAck || s.state == SubActive {
		return
	}
	id := uuid.NewString()
	env, err := newEnvelope(eventSubscribeRequest, subscribePayload{
		Action:     "SUBSCRIBE",
		Credential: c.lastToken,
		RequestID:  id,
	})
	if err != nil {
		c.log.Error("subscribe encode failed", observability.F("error", err))
		return
	}
	s.state = SubAwaitingAck
	p := &pendingSubscribe{id: id, sentAt: c.cfg.Clock()}
	s.pending = p
	c.log.Info("subscribe requested", observability.F("request", id))
	if err := c.conn.conn.Send(context.Background(), env); err != nil {
		s.resolveLocked(id, false, "send: "+err.Error(), "error")
		return
	}
	p.timer = time.AfterFunc(c.cfg.AckTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		s.resolveLocked(id, false, "no ack within timeout", "timeout")
	})
}

// resolveLocked settles the pending request exactly once. Late or duplicate
// acknowledgements, and the timeout racing a real ack, all land here and are
// discarded by the resolved guard.
func (s *subController) resolveLocked(id string, ok bool, details, result string) {
	p := s.pending
	if p == nil || p.id != id || p.resolved {
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	s.pending = nil
	elapsed := s.c.cfg.Clock().Sub(p.sentAt)
	s.c.metrics.RecordHandshake(context.Background(), elapsed, result)
	if ok {
		s.state = SubActive
		s.activeSince = s.c.cfg.Clock()
		s.c.dog.clearLocked()
		s.c.log.Info("subscription active",
			observability.F("request", id),
			observability.F("elapsed", elapsed.String()),
		)
		if s.dirty {
			// The watched set changed while the handshake was in flight.
			s.updateAccountsLocked()
		}
		return
	}
	s.state = SubFailed
	s.c.log.Error("subscription failed",
		observability.F("request", id),
		observability.F("error", errs.New("stream/subscription", errs.CodeSubscription, errs.WithMessage(details))),
	)
	// A connection that cannot subscribe is useless; recycle it.
	s.c.conn.restartLocked("subscription failed")
}

// handleAckLocked processes subscribe-ack and subscription-confirmed events.
func (s *subController) handleAckLocked(p ackPayload) {
	ok := p.Status == "" || p.Status == "ok" || p.Status == "success"
	result := "ok"
	if !ok {
		result = "error"
	}
	s.resolveLocked(p.RequestID, ok, p.Details, result)
}

// updateAccountsLocked forwards the current watched-account set on the live
// subscription without re-dialing.
func (s *subController) updateAccountsLocked() {
	c := s.c
	if s.state != SubActive || c.conn.conn == nil {
		s.dirty = true
		return
	}
	env, err := newEnvelope(eventUpdateWatchedAccounts, accountsPayload{
		Accounts: schema.CanonicalIDs(c.accounts),
	})
	if err != nil {
		c.log.Error("accounts encode failed", observability.F("error", err))
		return
	}
	if err := c.conn.conn.Send(context.Background(), env); err != nil {
		// Transport errors surface through the read pump; just record it and
		// keep the change pending for the next subscription.
		s.dirty = true
		c.log.Warn("accounts update send failed", observability.F("error", err))
		return
	}
	s.dirty = false
	c.log.Info("watched accounts forwarded", observability.F("count", len(c.accounts)))
}

// resetLocked clears handshake state on teardown or disconnect.
func (s *subController) resetLocked() {
	if s.pending != nil {
		if s.pending.timer != nil {
			s.pending.timer.Stop()
		}
		s.pending = nil
	}
	s.state = SubIdle
	s.activeSince = time.Time{}
}
