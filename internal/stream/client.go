package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/balances"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/reconcile"
	"github.com/ledgerline/ledgerline/internal/schema"
	"github.com/ledgerline/ledgerline/internal/telemetry"
)

// Config tunes connection, handshake, and staleness behavior. Zero values
// fall back to defaults suitable for production gateways.
type Config struct {
	// UserID is announced in the session identity on every dial.
	UserID string

	DialTimeout time.Duration
	// SettleDelay is how long a fresh connection rests before the subscribe
	// handshake starts; some gateways drop frames sent immediately after the
	// transport upgrade completes.
	SettleDelay time.Duration
	AckTimeout  time.Duration

	ReconnectInitial     time.Duration
	ReconnectCeiling     time.Duration
	ReconnectMaxAttempts int

	// StalenessInterval is the watchdog tick; StalenessThreshold is how long
	// an active subscription may go without balance data before escalation.
	StalenessInterval  time.Duration
	StalenessThreshold time.Duration

	// Clock overrides time.Now for staleness and handshake accounting.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = 30 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 6
	}
	if c.StalenessInterval <= 0 {
		c.StalenessInterval = 15 * time.Second
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithMetrics attaches stream metrics instruments.
func WithMetrics(m *telemetry.StreamMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger overrides the process-wide logger for this client.
func WithLogger(l observability.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client keeps broker-account balances synchronized over a gateway stream.
// One mutex serializes every state transition: timer callbacks, the read
// pump, the watchdog, and the public API all funnel through it, so handlers
// observe a consistent view and inbound envelopes apply in arrival order.
type Client struct {
	cfg     Config
	dialer  Dialer
	tokens  TokenProvider
	store   *balances.Store
	recon   *reconcile.Reconciler
	metrics *telemetry.StreamMetrics
	log     observability.Logger

	mu       sync.Mutex
	accounts []schema.WatchedAccount
	conn     *connManager
	subs     *subController
	dog      *watchdog
	// lastToken is the credential used on the most recent successful dial;
	// the subscribe handshake replays it.
	lastToken string
	closed    bool

	lifecycle conc.WaitGroup
	stopCh    chan struct{}
}

// New constructs a client. The store is shared with read-side consumers; the
// client is its only writer. Call Close to release background goroutines.
func New(cfg Config, dialer Dialer, tokens TokenProvider, store *balances.Store, opts ...Option) (*Client, error) {
	if dialer == nil {
		return nil, errs.New("stream/client", errs.CodeInvalid, errs.WithMessage("dialer required"))
	}
	if tokens == nil {
		return nil, errs.New("stream/client", errs.CodeInvalid, errs.WithMessage("token provider required"))
	}
	if store == nil {
		return nil, errs.New("stream/client", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	c := &Client{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		tokens: tokens,
		store:  store,
		recon:  reconcile.New(),
		log:    observability.Log(),
		stopCh: make(chan struct{}),
	}
	c.conn = newConnManager(c)
	c.subs = &subController{c: c}
	c.dog = &watchdog{c: c}
	for _, opt := range opts {
		opt(c)
	}
	c.lifecycle.Go(c.dog.run)
	return c, nil
}

// SetWatchedAccounts replaces the watched-account set and reconciles the
// session against it: an empty set tears the session down, a first non-empty
// set connects, and changes on a live subscription are forwarded in place
// without re-dialing.
func (c *Client) SetWatchedAccounts(accounts []schema.WatchedAccount) error {
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New("stream/client", errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	c.accounts = append([]schema.WatchedAccount(nil), accounts...)
	c.metrics.SetWatchedAccounts(context.Background(), len(accounts))
	c.conn.credentialHold = false
	switch {
	case len(c.accounts) == 0:
		// Session over. Snapshots survive so the read side keeps its last
		// known values; the identifier mapping dies with the session.
		c.conn.teardownLocked("watched set empty")
		c.recon.Reset()
	case c.conn.state == ConnDisconnected:
		// Fresh trigger supersedes any pending backoff.
		c.conn.stopReconnectLocked()
		c.conn.attempts = 0
		c.conn.policy.Reset()
		c.conn.ensureConnectedLocked()
	default:
		// Connecting or connected. Forwards now on a live subscription;
		// otherwise the controller remembers the change and forwards it once
		// the handshake resolves.
		c.subs.updateAccountsLocked()
	}
	return nil
}

// WatchedAccounts returns a copy of the current watched-account set.
func (c *Client) WatchedAccounts() []schema.WatchedAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.WatchedAccount(nil), c.accounts...)
}

// Balance returns the latest known balance for the canonical account id,
// decimal zero when the account has never reported.
func (c *Client) Balance(canonicalID string) decimal.Decimal {
	return c.store.Balance(canonicalID)
}

// Snapshot returns the full balance snapshot for one account.
func (c *Client) Snapshot(canonicalID string) (schema.BalanceSnapshot, bool) {
	return c.store.Get(canonicalID)
}

// WatchBalances subscribes to store change notifications. The cancel func
// releases the watcher.
func (c *Client) WatchBalances(buffer int) (<-chan balances.Snapshot, func()) {
	return c.store.Watch(buffer)
}

// States reports the current connection and subscription states.
func (c *Client) States() (ConnState, SubState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.state, c.subs.state
}

// Close tears down the session and clears all state. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.conn.teardownLocked("client closed")
	c.recon.Reset()
	c.mu.Unlock()
	close(c.stopCh)
	c.store.Reset()
	c.lifecycle.Wait()
	return nil
}
