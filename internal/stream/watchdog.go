package stream

import (
	"context"
	"time"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/schema"
)

// watchdog periodically compares the newest balance update against the
// staleness threshold and escalates in two steps: first re-send the
// watched-account set on the live subscription, then recycle the whole
// connection if the silence persists. It also re-arms a dead session whose
// reconnect budget ran out.
type watchdog struct {
	c *Client
	// escalated is true after the first (resubscribe) step fired; the next
	// stale tick takes the second step.
	escalated bool
}

func (w *watchdog) run() {
	ticker := time.NewTicker(w.c.cfg.StalenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.c.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *watchdog) check() {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	w.checkLocked()
}

func (w *watchdog) checkLocked() {
	c := w.c
	if c.closed || len(c.accounts) == 0 {
		w.escalated = false
		return
	}
	cm := c.conn
	if cm.state == ConnDisconnected {
		w.escalated = false
		// No pending retry and no credential hold: the reconnect budget ran
		// out earlier, so the watchdog is the trigger that revives it.
		if cm.reconnectTimer == nil && cm.dialCancel == nil && !cm.credentialHold {
			c.log.Info("reviving exhausted connection")
			cm.attempts = 0
			cm.policy.Reset()
			cm.ensureConnectedLocked()
		}
		return
	}
	if c.subs.state != SubActive {
		w.escalated = false
		return
	}

	last := c.store.LastUpdated(schema.CanonicalIDs(c.accounts))
	if last.IsZero() {
		last = c.subs.activeSince
	}
	age := c.cfg.Clock().Sub(last)
	if age <= c.cfg.StalenessThreshold {
		w.escalated = false
		return
	}

	staleErr := errs.New("stream/watchdog", errs.CodeStaleness,
		errs.WithMessage("no balance data within threshold"))
	if !w.escalated {
		w.escalated = true
		c.metrics.RecordEscalation(context.Background(), "resubscribe")
		c.log.Warn("stale subscription, re-sending watched accounts",
			observability.F("age", age.String()),
			observability.F("error", staleErr),
		)
		c.subs.updateAccountsLocked()
		return
	}
	w.escalated = false
	c.metrics.RecordEscalation(context.Background(), "reconnect")
	c.log.Error("staleness persisted, recycling connection",
		observability.F("age", age.String()),
		observability.F("error", staleErr),
	)
	cm.restartLocked("staleness")
}

// clearLocked resets escalation once fresh data or a fresh subscription
// arrives.
func (w *watchdog) clearLocked() {
	w.escalated = false
}
