package pairednode

// State represents the lifecycle of a controller's connection to a single
// commissioned node. Grounded on the teacher's NodeState enum-with-String()/
// IsRunning()/Can*() predicate pattern (deleted pkg/matter/state.go), which
// models a device's own commissioning lifecycle the same way this models a
// controller's view of a remote node's reachability.
type State int

const (
	// StateDisconnected means no operational session exists and no
	// reconnect attempt is currently scheduled.
	StateDisconnected State = iota

	// StateWaitingForDeviceDiscovery means Connect has been called and the
	// coordinator is resolving the node's operational address via mDNS.
	StateWaitingForDeviceDiscovery

	// StateReconnecting means a previous connection attempt failed and a
	// retry is scheduled per the backoff policy.
	StateReconnecting

	// StateConnected means the node's address has been resolved and its
	// endpoint tree has been read at least once.
	StateConnected
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateWaitingForDeviceDiscovery:
		return "WaitingForDeviceDiscovery"
	case StateReconnecting:
		return "Reconnecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// IsConnected returns true if the node is currently reachable.
func (s State) IsConnected() bool {
	return s == StateConnected
}

// CanConnect returns true if Connect() can be called from this state.
func (s State) CanConnect() bool {
	return s == StateDisconnected
}
