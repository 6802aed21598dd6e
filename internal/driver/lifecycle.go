// Package driver ties the sensor session, the acquisition loop and the
// publication sinks together under an explicit lifecycle state machine. The
// machine is the single authority on whether the driver may process or emit
// data; every other component reads the state and only the defined lifecycle
// operations mutate it.
package driver

import "sync"

// State is the driver's position in its managed lifecycle.
type State int

const (
	Unconfigured State = iota
	Configuring
	Inactive // configured, loop not running
	Active
	Deactivating
	CleaningUp
	ErrorProcessing
	Finalized
)

// String returns the state name used in logs and the HTTP API.
func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configuring:
		return "configuring"
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	case CleaningUp:
		return "cleaning_up"
	case ErrorProcessing:
		return "error_processing"
	case Finalized:
		return "finalized"
	default:
		return "invalid"
	}
}

// Event is a lifecycle trigger. Transient states (Configuring,
// Deactivating, CleaningUp) are entered by the begin events and left by the
// matching success event or EventError.
type Event int

const (
	EventConfigure Event = iota
	EventConfigureOK
	EventActivate
	EventDeactivate
	EventDeactivateOK
	EventCleanup
	EventCleanupOK
	EventShutdown
	EventError
)

// String returns the event name used in logs.
func (e Event) String() string {
	switch e {
	case EventConfigure:
		return "configure"
	case EventConfigureOK:
		return "configure_ok"
	case EventActivate:
		return "activate"
	case EventDeactivate:
		return "deactivate"
	case EventDeactivateOK:
		return "deactivate_ok"
	case EventCleanup:
		return "cleanup"
	case EventCleanupOK:
		return "cleanup_ok"
	case EventShutdown:
		return "shutdown"
	case EventError:
		return "error"
	default:
		return "invalid"
	}
}

// TransitionResult reports what a lifecycle event did. When the event does
// not match an allowed edge the transition is rejected and From == To: an
// illegal transition is a no-op, never a crash.
type TransitionResult struct {
	From     State
	To       State
	Accepted bool
}

// transitions is the allowed-edge table. Shutdown and error edges are
// handled separately since they apply from (almost) every state.
var transitions = map[State]map[Event]State{
	Unconfigured: {
		EventConfigure: Configuring,
	},
	Configuring: {
		EventConfigureOK: Inactive,
	},
	Inactive: {
		EventActivate: Active,
		EventCleanup:  CleaningUp,
	},
	Active: {
		EventDeactivate: Deactivating,
	},
	Deactivating: {
		EventDeactivateOK: Inactive,
	},
	CleaningUp: {
		EventCleanupOK: Unconfigured,
	},
	ErrorProcessing: {
		EventCleanup: CleaningUp,
	},
}

// Machine owns the lifecycle state. All reads and writes go through it.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in Unconfigured.
func NewMachine() *Machine {
	return &Machine{state: Unconfigured}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine is currently in s.
func (m *Machine) Is(s State) bool {
	return m.State() == s
}

// Apply attempts a transition. Rejected events leave the state untouched.
func (m *Machine) Apply(e Event) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state

	// Terminal: nothing leaves Finalized.
	if from == Finalized {
		return TransitionResult{From: from, To: from}
	}

	// Shutdown is accepted from any non-terminal state.
	if e == EventShutdown {
		m.state = Finalized
		return TransitionResult{From: from, To: Finalized, Accepted: true}
	}

	// Any in-flight operation may fail into ErrorProcessing, from which only
	// cleanup and shutdown are accepted.
	if e == EventError {
		if from == ErrorProcessing {
			return TransitionResult{From: from, To: from}
		}
		m.state = ErrorProcessing
		return TransitionResult{From: from, To: ErrorProcessing, Accepted: true}
	}

	if to, ok := transitions[from][e]; ok {
		m.state = to
		return TransitionResult{From: from, To: to, Accepted: true}
	}
	return TransitionResult{From: from, To: from}
}
