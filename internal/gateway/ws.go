// Package gateway provides the WebSocket transport behind the stream client.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/ledgerline/ledgerline/errs"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/stream"
)

const (
	headerSession = "X-Ledgerline-Session"
	headerUser    = "X-Ledgerline-User"

	defaultDialTimeout   = 10 * time.Second
	defaultDialAttempts  = 3
	defaultWriteTimeout  = 5 * time.Second
	defaultPingInterval  = 20 * time.Second
	defaultReadLimit     = 1 << 20
	defaultControlPerSec = 5
	defaultControlBurst  = 10
)

// DialerConfig tunes the transport. Control-frame pacing protects the
// gateway's per-connection message quota.
type DialerConfig struct {
	URL string

	DialTimeout  time.Duration
	DialAttempts int

	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64

	ControlMessagesPerSec float64
	ControlBurst          int
}

func (c DialerConfig) withDefaults() DialerConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = defaultDialAttempts
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.ControlMessagesPerSec <= 0 {
		c.ControlMessagesPerSec = defaultControlPerSec
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = defaultControlBurst
	}
	return c
}

// WSDialer opens WebSocket sessions to the balance gateway. It retries the
// upgrade a bounded number of times within one Dial call; longer-horizon
// reconnect policy belongs to the stream client.
type WSDialer struct {
	cfg DialerConfig
	log observability.Logger
}

func NewWSDialer(cfg DialerConfig) (*WSDialer, error) {
	if cfg.URL == "" {
		return nil, errs.New("gateway/ws", errs.CodeInvalid, errs.WithMessage("gateway url required"))
	}
	return &WSDialer{cfg: cfg.withDefaults(), log: observability.Log()}, nil
}

func (d *WSDialer) Dial(ctx context.Context, identity stream.SessionIdentity) (stream.Conn, error) {
	header := http.Header{}
	header.Set(headerSession, identity.SessionID)
	header.Set(headerUser, identity.UserID)
	opts := &websocket.DialOptions{HTTPHeader: header}

	var (
		conn    *websocket.Conn
		lastErr error
	)
	for attempt := 1; attempt <= d.cfg.DialAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		c, _, err := websocket.Dial(attemptCtx, d.cfg.URL, opts)
		cancel()
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		d.log.Warn("gateway dial attempt failed",
			observability.F("attempt", attempt),
			observability.F("error", err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if conn == nil {
		return nil, errs.New("gateway/ws", errs.CodeTransport,
			errs.WithMessage(fmt.Sprintf("dial %s after %d attempts", d.cfg.URL, d.cfg.DialAttempts)),
			errs.WithCause(lastErr),
		)
	}
	conn.SetReadLimit(d.cfg.ReadLimit)

	pingCtx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{
		conn:         conn,
		limiter:      rate.NewLimiter(rate.Limit(d.cfg.ControlMessagesPerSec), d.cfg.ControlBurst),
		writeTimeout: d.cfg.WriteTimeout,
		cancel:       cancel,
		log:          d.log,
	}
	go wc.pingLoop(pingCtx, d.cfg.PingInterval)
	return wc, nil
}

// wsConn adapts one coder/websocket connection to the stream transport.
// Writes are serialized and paced; reads are single-consumer by contract.
type wsConn struct {
	conn         *websocket.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration
	cancel       context.CancelFunc
	log          observability.Logger
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func (c *wsConn) Send(ctx context.Context, env stream.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.New("gateway/ws", errs.CodeInvalid, errs.WithMessage("encode envelope"), errs.WithCause(err))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New("gateway/ws", errs.CodeTransport, errs.WithMessage("control pacing"), errs.WithCause(err))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return translateWSError("write", err)
	}
	return nil
}

// Receive blocks for the next text frame carrying a decodable envelope.
// Non-text frames and malformed payloads are skipped, not fatal.
func (c *wsConn) Receive(ctx context.Context) (stream.Envelope, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return stream.Envelope{}, translateWSError("read", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var env stream.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("undecodable frame skipped", observability.F("error", err))
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// pingLoop keeps intermediaries from timing out an otherwise quiet
// connection. A failed ping closes the connection so the reader notices.
func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("ping failed, closing connection", observability.F("error", err))
					_ = c.Close("ping timeout")
				}
				return
			}
		}
	}
}

func translateWSError(op string, err error) error {
	if status := websocket.CloseStatus(err); status != -1 {
		return errs.New("gateway/ws", errs.CodeTransport,
			errs.WithMessage(op+" closed"),
			errs.WithRawCode(strconv.Itoa(int(status))),
			errs.WithCause(err),
		)
	}
	return errs.New("gateway/ws", errs.CodeTransport, errs.WithMessage(op), errs.WithCause(err))
}
