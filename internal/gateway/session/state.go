package session

// State is the lifecycle state of one Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateFatallyClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFatallyClosed:
		return "fatally_closed"
	default:
		return "unknown"
	}
}

// handshaking reports whether the transport is up and a hello has been seen.
func (s State) handshaking() bool {
	return s == StateIdentifying || s == StateResuming || s == StateConnected
}
