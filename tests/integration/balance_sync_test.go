package integration

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/ledgerline/internal/balances"
	"github.com/ledgerline/ledgerline/internal/credentials"
	"github.com/ledgerline/ledgerline/internal/gateway"
	"github.com/ledgerline/ledgerline/internal/httpapi"
	"github.com/ledgerline/ledgerline/internal/schema"
	"github.com/ledgerline/ledgerline/internal/stream"
)

type subscribeReq struct {
	Action     string `json:"action"`
	Credential string `json:"credential"`
	RequestID  string `json:"requestId"`
}

type accountsReq struct {
	Accounts []string `json:"accounts"`
}

func streamConfig() stream.Config {
	return stream.Config{
		UserID:               "itest",
		DialTimeout:          2 * time.Second,
		SettleDelay:          5 * time.Millisecond,
		AckTimeout:           2 * time.Second,
		ReconnectInitial:     10 * time.Millisecond,
		ReconnectCeiling:     100 * time.Millisecond,
		ReconnectMaxAttempts: 10,
		StalenessInterval:    time.Hour,
		StalenessThreshold:   time.Hour,
	}
}

func newSyncStack(t *testing.T, gw *FakeGateway, tokens *credentials.StaticProvider) (*stream.Client, *balances.Store) {
	t.Helper()
	dialer, err := gateway.NewWSDialer(gateway.DialerConfig{URL: gw.URL()})
	require.NoError(t, err)
	store := balances.NewStore(nil)
	client, err := stream.New(streamConfig(), dialer, tokens, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, store
}

func ackSubscribe(t *testing.T, session *GatewaySession, wantCredential string) {
	t.Helper()
	env := session.Expect(t, "subscribe-request")
	var req subscribeReq
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	require.Equal(t, "SUBSCRIBE", req.Action)
	if wantCredential != "" {
		require.Equal(t, wantCredential, req.Credential)
	}
	require.NotEmpty(t, req.RequestID)
	session.Send(t, "subscribe-ack", map[string]string{"requestId": req.RequestID, "status": "ok"})
}

func TestBalanceFlowEndToEnd(t *testing.T) {
	gw := NewFakeGateway()
	defer gw.Close()

	tokens := credentials.NewStaticProvider(map[string]string{"1492655": "tok-main"}, "")
	client, store := newSyncStack(t, gw, tokens)

	require.NoError(t, client.SetWatchedAccounts([]schema.WatchedAccount{{CanonicalID: "1492655"}}))

	session := gw.NextSession(t)
	require.NotEmpty(t, session.Headers.Get("X-Ledgerline-Session"))
	require.Equal(t, "itest", session.Headers.Get("X-Ledgerline-User"))

	ackSubscribe(t, session, "tok-main")
	require.Eventually(t, func() bool {
		_, sub := client.States()
		return sub == stream.SubActive
	}, 5*time.Second, 5*time.Millisecond)

	// Gateway reports under its prefixed identifier; the client must land it
	// on the canonical account.
	session.Send(t, "stream", map[string]any{
		"type":     "AccountStatus",
		"account":  "D#1492655",
		"balance":  "1250.5",
		"equity":   "1300",
		"currency": "USD",
	})
	want := decimal.RequireFromString("1250.5")
	require.Eventually(t, func() bool {
		return client.Balance("1492655").Equal(want)
	}, 5*time.Second, 5*time.Millisecond)

	snap, ok := store.Get("1492655")
	require.True(t, ok)
	require.False(t, snap.Degraded)
	require.Equal(t, "USD", snap.Currency)

	// The REST facade serves what the stream produced.
	handler := httpapi.NewHandler(store, client)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/balances/1492655", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "1250.5", body["balance"])
}

func TestGatewayDropTriggersResubscribe(t *testing.T) {
	gw := NewFakeGateway()
	defer gw.Close()

	tokens := credentials.NewStaticProvider(nil, "tok-shared")
	client, _ := newSyncStack(t, gw, tokens)

	require.NoError(t, client.SetWatchedAccounts([]schema.WatchedAccount{{CanonicalID: "acct-1"}}))
	first := gw.NextSession(t)
	ackSubscribe(t, first, "tok-shared")

	first.Drop()

	// A fresh session with a fresh handshake replaces the dropped one.
	second := gw.NextSession(t)
	ackSubscribe(t, second, "tok-shared")

	bal := decimal.RequireFromString("99")
	second.Send(t, "stream", map[string]any{"type": "AccountStatus", "account": "acct-1", "balance": "99"})
	require.Eventually(t, func() bool {
		return client.Balance("acct-1").Equal(bal)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestWatchedAccountChangeForwardedInPlace(t *testing.T) {
	gw := NewFakeGateway()
	defer gw.Close()

	tokens := credentials.NewStaticProvider(nil, "tok-shared")
	client, _ := newSyncStack(t, gw, tokens)

	require.NoError(t, client.SetWatchedAccounts([]schema.WatchedAccount{{CanonicalID: "acct-1"}}))
	session := gw.NextSession(t)
	ackSubscribe(t, session, "")
	require.Eventually(t, func() bool {
		_, sub := client.States()
		return sub == stream.SubActive
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.SetWatchedAccounts([]schema.WatchedAccount{
		{CanonicalID: "acct-1"},
		{CanonicalID: "acct-2"},
	}))

	env := session.Expect(t, "update-watched-accounts")
	var req accountsReq
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	require.Equal(t, []string{"acct-1", "acct-2"}, req.Accounts)

	// Same session keeps serving; no re-dial happened.
	require.False(t, session.Ended())
	select {
	case extra := <-gw.sessions:
		t.Fatalf("unexpected new session: %+v", extra.Headers)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPositionClosedMetricsFlow(t *testing.T) {
	gw := NewFakeGateway()
	defer gw.Close()

	tokens := credentials.NewStaticProvider(nil, "tok-shared")
	client, store := newSyncStack(t, gw, tokens)

	require.NoError(t, client.SetWatchedAccounts([]schema.WatchedAccount{{CanonicalID: "acct-1"}}))
	session := gw.NextSession(t)
	ackSubscribe(t, session, "")

	session.Send(t, "stream", map[string]any{"type": "PositionClosed", "account": "acct-1", "profit": "42.5"})
	require.Eventually(t, func() bool {
		stats, ok := store.ClosedStats("acct-1")
		return ok && stats.ClosedCount == 1 && stats.RealizedProfit.Equal(decimal.RequireFromString("42.5"))
	}, 5*time.Second, 5*time.Millisecond)
}
