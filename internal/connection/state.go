package connection

// State is the connection lifecycle. Failed is terminal until an explicit
// restart of the service.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State             State  `json:"state"`
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	BotID             string `json:"bot_id,omitempty"`
}

// StateChange is published on the event bus for every transition.
type StateChange struct {
	From     State `json:"from"`
	To       State `json:"to"`
	Attempts int   `json:"attempts"`
}
