package stream

// ConnState tracks the transport session lifecycle.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SubState tracks the subscribe handshake on the current connection.
type SubState int

const (
	SubIdle SubState = iota
	SubAwaitingAck
	SubActive
	SubFailed
)

func (s SubState) String() string {
	switch s {
	case SubIdle:
		return "idle"
	case SubAwaitingAck:
		return "awaiting_ack"
	case SubActive:
		return "active"
	case SubFailed:
		return "failed"
	default:
		return "unknown"
	}
}
