package stream

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Gateway event names carried in Envelope.Event.
const (
	eventSubscribeRequest      = "subscribe-request"
	eventUpdateWatchedAccounts = "update-watched-accounts"
	eventSubscribeAck          = "subscribe-ack"
	eventSubscriptionConfirmed = "subscription-confirmed"
	eventStream                = "stream"
	eventDisconnect            = "disconnect"
	eventConnectError          = "connect_error"
)

// Stream message types carried inside a "stream" envelope.
const (
	streamTypeAccountStatus  = "AccountStatus"
	streamTypePositionClosed = "PositionClosed"
)

// Envelope is the top-level frame exchanged with the gateway. Payload stays
// raw until the event name selects a concrete shape.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: raw}, nil
}

type subscribePayload struct {
	Action     string `json:"action"`
	Credential string `json:"credential"`
	RequestID  string `json:"requestId"`
}

type accountsPayload struct {
	Accounts []string `json:"accounts"`
}

type ackPayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Details   string `json:"details,omitempty"`
}

type disconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

type connectErrorPayload struct {
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// streamHeader peeks at the discriminator before the full payload decode.
type streamHeader struct {
	Type string `json:"type"`
}

// accountStatusPayload carries a partial balance snapshot. Absent numeric
// fields stay nil so the store can preserve prior values.
type accountStatusPayload struct {
	Type            string           `json:"type"`
	Account         string           `json:"account"`
	Balance         *decimal.Decimal `json:"balance,omitempty"`
	Equity          *decimal.Decimal `json:"equity,omitempty"`
	MarginAvailable *decimal.Decimal `json:"marginAvailable,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	Timestamp       int64            `json:"timestamp,omitempty"`
}

type positionClosedPayload struct {
	Type       string          `json:"type"`
	Account    string          `json:"account"`
	PositionID string          `json:"positionId,omitempty"`
	Profit     decimal.Decimal `json:"profit"`
	ClosedAt   int64           `json:"closedAt,omitempty"`
}
