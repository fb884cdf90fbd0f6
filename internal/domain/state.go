package domain

// InstanceState is one of the enumerated states a JobInstance can hold
// (spec §4.7). Every transition is a CAS on (id, state); losers of the
// CAS must not perform the transition's side effects.
type InstanceState string

const (
	StateSubmitted  InstanceState = "submitted"
	StateHold       InstanceState = "hold"
	StateAttributed InstanceState = "attributed"
	StateRunning    InstanceState = "running"
	StateEnded      InstanceState = "ended"
	StateCrashed    InstanceState = "crashed"
	StateKilled     InstanceState = "killed"
	StateCancelled  InstanceState = "cancelled"
)

// Terminal reports whether s is one of the four terminal states.
func (s InstanceState) Terminal() bool {
	switch s {
	case StateEnded, StateCrashed, StateKilled, StateCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether s counts toward the Highlander "at most one
// live instance" predicate.
func (s InstanceState) Active() bool {
	return s == StateAttributed || s == StateRunning
}

// Valid reports whether s is one of the enumerated states (invariant 1).
func (s InstanceState) Valid() bool {
	switch s {
	case StateSubmitted, StateHold, StateAttributed, StateRunning,
		StateEnded, StateCrashed, StateKilled, StateCancelled:
		return true
	default:
		return false
	}
}

// transitions is the table from spec §4.7, keyed by (from, event), plus
// ATTRIBUTED -[payload_error]-> CRASHED for a Runner whose prepare step
// fails before the instance starts running. Gateway.Transition checks
// every move against it via CanTransition before its CAS update.
type event string

const (
	eventEnqueue          event = "enqueue"
	eventReservation      event = "reservation"
	eventHold             event = "admin_hold"
	eventResume           event = "resume"
	eventCancel           event = "admin_cancel"
	eventRunnerStart      event = "runner_start"
	eventDispatchReject   event = "dispatcher_reject"
	eventPayloadEnd       event = "payload_end"
	eventPayloadError     event = "payload_error"
	eventKillObserved     event = "kill_observed"
	eventBootRecovery     event = "boot_recovery"
)

var transitions = map[InstanceState]map[event]InstanceState{
	"": {
		eventEnqueue: StateSubmitted,
	},
	StateSubmitted: {
		eventReservation: StateAttributed,
		eventHold:        StateHold,
		eventCancel:      StateCancelled,
	},
	StateHold: {
		eventResume: StateSubmitted,
		eventCancel: StateCancelled,
	},
	StateAttributed: {
		eventRunnerStart:    StateRunning,
		eventDispatchReject: StateSubmitted,
		eventPayloadError:   StateCrashed,
		eventBootRecovery:   StateCrashed,
	},
	StateRunning: {
		eventPayloadEnd:   StateEnded,
		eventPayloadError: StateCrashed,
		eventKillObserved: StateKilled,
		eventBootRecovery: StateCrashed,
	},
}

// CanTransition reports whether the state table allows from -[ev]-> to.
func CanTransition(from InstanceState, ev string, to InstanceState) bool {
	row, ok := transitions[from]
	if !ok {
		return false
	}
	want, ok := row[event(ev)]
	return ok && want == to
}
