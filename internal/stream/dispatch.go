package stream

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/balances"
	"github.com/ledgerline/ledgerline/internal/observability"
)

// handleEnvelope routes one inbound envelope. It runs on the read pump, so
// envelopes from one connection are processed strictly in arrival order. A
// panicking handler is contained here; the stream must survive a bad message.
func (c *Client) handleEnvelope(conn Conn, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic recovered",
				observability.F("event", env.Event),
				observability.F("panic", r),
			)
		}
	}()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn.conn != conn {
		// Envelope from a connection that no longer belongs to the session.
		return
	}
	c.metrics.RecordMessage(context.Background(), env.Event, len(env.Payload))
	switch env.Event {
	case eventSubscribeAck, eventSubscriptionConfirmed:
		var p ackPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("ack decode failed", observability.F("error", err))
			return
		}
		c.subs.handleAckLocked(p)
	case eventStream:
		c.handleStreamLocked(env.Payload)
	case eventDisconnect:
		var p disconnectPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.conn.remoteDisconnectLocked(p.Reason)
	case eventConnectError:
		var p connectErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Error("gateway reported connect error",
			observability.F("error", errs.New("stream/dispatch", errs.CodeTransport,
				errs.WithMessage(p.Message), errs.WithRawMessage(p.Details))),
		)
		c.conn.remoteDisconnectLocked("connect_error")
	default:
		c.log.Debug("unknown event dropped", observability.F("event", env.Event))
	}
}

func (c *Client) handleStreamLocked(raw json.RawMessage) {
	var head streamHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		c.log.Warn("stream decode failed", observability.F("error", err))
		return
	}
	switch head.Type {
	case streamTypeAccountStatus:
		var p accountStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.log.Warn("account status decode failed", observability.F("error", err))
			return
		}
		c.applyAccountStatusLocked(p)
	case streamTypePositionClosed:
		var p positionClosedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.log.Warn("position closed decode failed", observability.F("error", err))
			return
		}
		c.applyPositionClosedLocked(p)
	default:
		c.log.Debug("unknown stream type dropped", observability.F("type", head.Type))
	}
}

// applyAccountStatusLocked reconciles the stream identifier and merges the
// balance fields into the store. An identifier that resolves to nothing is
// kept under its raw identity and flagged degraded rather than dropped; a
// wrong-looking balance beats a silently missing one.
func (c *Client) applyAccountStatusLocked(p accountStatusPayload) {
	raw := strings.TrimSpace(p.Account)
	if raw == "" {
		c.log.Warn("account status without identifier dropped")
		return
	}
	id, ok := c.recon.Resolve(raw, c.accounts)
	degraded := false
	if !ok {
		id = raw
		degraded = true
		c.log.Warn("identifier did not reconcile, storing under raw identity",
			observability.F("error", errs.New("stream/dispatch", errs.CodeUnmappedIdentifier,
				errs.WithRawCode(raw))),
		)
	}
	u := balances.Update{
		Balance:         p.Balance,
		Equity:          p.Equity,
		MarginAvailable: p.MarginAvailable,
		Currency:        p.Currency,
		Degraded:        degraded,
	}
	if p.Timestamp > 0 {
		u.Observed = time.UnixMilli(p.Timestamp).UTC()
	}
	c.store.Apply(id, u)
	c.metrics.RecordStoreUpdate(context.Background(), degraded)
	if !degraded {
		// Degraded data lives under a raw identity and advances no watched
		// account's freshness; it must not reset the escalation ladder.
		c.dog.clearLocked()
	}
}

func (c *Client) applyPositionClosedLocked(p positionClosedPayload) {
	raw := strings.TrimSpace(p.Account)
	if raw == "" {
		return
	}
	id, ok := c.recon.Resolve(raw, c.accounts)
	if !ok {
		id = raw
	}
	var closedAt time.Time
	if p.ClosedAt > 0 {
		closedAt = time.UnixMilli(p.ClosedAt).UTC()
	} else {
		closedAt = c.cfg.Clock()
	}
	stats := c.store.RecordClosedPosition(id, p.Profit, closedAt)
	c.log.Info("position closed",
		observability.F("account", id),
		observability.F("position", p.PositionID),
		observability.F("closed_count", stats.ClosedCount),
	)
}
