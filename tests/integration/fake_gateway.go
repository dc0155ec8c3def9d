// Package integration contains integration test fixtures for Ledgerline.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/ledgerline/ledgerline/internal/stream"
)

// FakeGateway is a WebSocket server speaking the balance gateway envelope
// protocol. Tests drive it session by session.
type FakeGateway struct {
	srv      *httptest.Server
	sessions chan *GatewaySession
	closed   chan struct{}
	once     sync.Once
}

// GatewaySession is one accepted client connection.
type GatewaySession struct {
	Headers http.Header

	conn    *websocket.Conn
	inbound chan stream.Envelope
	done    chan struct{}
	once    sync.Once
}

// NewFakeGateway starts the server. Callers must Close it.
func NewFakeGateway() *FakeGateway {
	g := &FakeGateway{
		sessions: make(chan *GatewaySession, 8),
		closed:   make(chan struct{}),
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.accept))
	return g
}

// URL returns the ws:// endpoint of the gateway.
func (g *FakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

// Close shuts the server down and drops all sessions.
func (g *FakeGateway) Close() {
	g.once.Do(func() {
		close(g.closed)
		g.srv.Close()
	})
}

func (g *FakeGateway) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	session := &GatewaySession{
		Headers: r.Header.Clone(),
		conn:    conn,
		inbound: make(chan stream.Envelope, 32),
		done:    make(chan struct{}),
	}
	go session.readLoop()
	select {
	case g.sessions <- session:
	case <-g.closed:
		session.Drop()
		return
	}
	// Keep the handler alive until the session ends; returning would close
	// the underlying connection.
	select {
	case <-session.done:
	case <-g.closed:
		session.Drop()
	}
}

// NextSession blocks for the next accepted connection.
func (g *FakeGateway) NextSession(t *testing.T) *GatewaySession {
	t.Helper()
	select {
	case s := <-g.sessions:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gateway session")
		return nil
	}
}

func (s *GatewaySession) readLoop() {
	defer s.end()
	for {
		msgType, data, err := s.conn.Read(context.Background())
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		var env stream.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case s.inbound <- env:
		case <-s.done:
			return
		}
	}
}

func (s *GatewaySession) end() {
	s.once.Do(func() { close(s.done) })
}

// Expect blocks until the client sends an envelope with the given event name,
// skipping others.
func (s *GatewaySession) Expect(t *testing.T, event string) stream.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-s.inbound:
			if env.Event == event {
				return env
			}
		case <-s.done:
			t.Fatalf("session ended waiting for %s", event)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// Send pushes an envelope to the client.
func (s *GatewaySession) Send(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode %s payload: %v", event, err)
	}
	data, err := json.Marshal(stream.Envelope{Event: event, Payload: raw})
	if err != nil {
		t.Fatalf("encode %s envelope: %v", event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// Drop closes the connection abruptly, as a failing gateway would.
func (s *GatewaySession) Drop() {
	_ = s.conn.Close(websocket.StatusGoingAway, "gateway drop")
	s.end()
}

// Ended reports whether the session has terminated.
func (s *GatewaySession) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
