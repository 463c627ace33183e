// Package adapter implements the adapter (C6), driver adapter (C7) and app
// adapter (C8) runtime containers: each owns a plugin instance, a
// reactor, a mailbox and a state machine, and runs its own control loop
// (spec §4.5-§4.6).
package adapter

import "github.com/neurogate/gateway/internal/gatewayerr"

// RunningState is the adapter lifecycle state (spec §3 "Node / Adapter").
type RunningState string

// The closed set of running states and their legal transitions (spec
// §4.5 "Adapter state machine").
const (
	StateInit    RunningState = "INIT"
	StateReady   RunningState = "READY"
	StateRunning RunningState = "RUNNING"
	StateStopped RunningState = "STOPPED"
)

// LinkState is the adapter's southbound/northbound connectivity state
// (spec §3).
type LinkState string

// The closed set of link states.
const (
	LinkDisconnected LinkState = "DISCONNECTED"
	LinkConnecting   LinkState = "CONNECTING"
	LinkConnected    LinkState = "CONNECTED"
)

// validTransition reports whether from -> to is a legal running-state
// transition (spec §4.5: INIT -> READY on init(); READY <-> RUNNING on
// start()/stop(); any state -> STOPPED on uninit()).
func validTransition(from, to RunningState) bool {
	if to == StateStopped {
		return from != StateStopped
	}
	switch from {
	case StateInit:
		return to == StateReady
	case StateReady:
		return to == StateRunning
	case StateRunning:
		return to == StateReady
	default:
		return false
	}
}

// ErrInvalidTransition is returned when an adapter attempts an illegal
// running-state transition.
var ErrInvalidTransition = gatewayerr.New(gatewayerr.EInternal)
