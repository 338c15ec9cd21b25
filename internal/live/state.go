package live

// State is the connection supervisor's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHandshake
	StateActive
	StateReconnecting
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:              "Idle",
	StateConnecting:        "Connecting",
	StateAwaitingHandshake: "AwaitingHandshake",
	StateActive:            "Active",
	StateReconnecting:      "Reconnecting",
	StateTerminated:        "Terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// MarshalText lets State render by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateNames lists every state name, for metrics labels.
func StateNames() []string {
	return append([]string(nil), stateNames[:]...)
}

// live reports whether the supervisor holds or is pursuing a connection.
func (s State) live() bool {
	return s != StateIdle && s != StateTerminated
}
