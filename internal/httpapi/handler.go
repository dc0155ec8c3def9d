// Package httpapi exposes the read-side REST facade over the balance store.
package httpapi

import (
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/ledgerline/ledgerline/internal/balances"
	"github.com/ledgerline/ledgerline/internal/schema"
	"github.com/ledgerline/ledgerline/internal/stream"
)

// StateReporter exposes the connection and subscription states for health
// reporting.
type StateReporter interface {
	States() (stream.ConnState, stream.SubState)
}

// NewHandler returns the HTTP handler serving balances and health.
func NewHandler(store *balances.Store, reporter StateReporter) http.Handler {
	server := &apiServer{store: store, reporter: reporter}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.HandleFunc("/v1/balances", server.handleBalances)
	mux.HandleFunc("/v1/balances/", server.handleBalance)
	return mux
}

type apiServer struct {
	store    *balances.Store
	reporter StateReporter
}

type balanceResponse struct {
	Account         string `json:"account"`
	Balance         string `json:"balance"`
	Equity          string `json:"equity"`
	MarginAvailable string `json:"marginAvailable"`
	Currency        string `json:"currency,omitempty"`
	Degraded        bool   `json:"degraded,omitempty"`
	LastUpdated     string `json:"lastUpdated,omitempty"`
}

func toBalanceResponse(snap schema.BalanceSnapshot) balanceResponse {
	resp := balanceResponse{
		Account:         snap.CanonicalID,
		Balance:         snap.Balance.String(),
		Equity:          snap.Equity.String(),
		MarginAvailable: snap.MarginAvailable.String(),
		Currency:        snap.Currency,
		Degraded:        snap.Degraded,
	}
	if !snap.LastUpdated.IsZero() {
		resp.LastUpdated = snap.LastUpdated.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return resp
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	connState, subState := s.reporter.States()
	writeJSON(w, http.StatusOK, map[string]string{
		"connection":   connState.String(),
		"subscription": subState.String(),
	})
}

func (s *apiServer) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	all := s.store.All()
	out := make([]balanceResponse, 0, len(all))
	for _, snap := range all {
		out = append(out, toBalanceResponse(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/balances/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "account id required")
		return
	}
	snap, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown account")
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(snap))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
