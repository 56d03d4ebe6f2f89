// Package session owns the single WhatsApp session: its connection state
// machine, launch attempts with lock recovery and backoff, the readiness
// gate, and the retry executor wrapped around outward operations.
//
// machine.go is the pure transition function. It knows nothing about clients
// or timers, so the whole lifecycle table is testable without a browser.
package session

// State is the session lifecycle state.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateLaunching      State = "launching"
	StateAwaitingQR     State = "awaiting_qr"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReady          State = "ready"
	StateError          State = "error"
)

// EventKind is a lifecycle event consumed by the transition function.
type EventKind string

const (
	EvLaunchRequested   EventKind = "launch_requested"
	EvQR                EventKind = "qr"
	EvResuming          EventKind = "resuming"
	EvAuthenticated     EventKind = "authenticated"
	EvReady             EventKind = "ready"
	EvAuthFailure       EventKind = "auth_failure"
	EvSessionTerminated EventKind = "session_terminated"
	EvTransportClosed   EventKind = "transport_closed"
	EvTransportError    EventKind = "transport_error"
)

// Transition computes the next state for (state, event). ok is false when the
// event does not apply in the given state, in which case next == s.
//
//	UNINITIALIZED --launch--> LAUNCHING --qr--> AWAITING_QR
//	LAUNCHING/AWAITING_QR --resuming--> AUTHENTICATING
//	AWAITING_QR/AUTHENTICATING --authenticated--> AUTHENTICATED --ready--> READY
//	any --auth failure / session terminated--> UNINITIALIZED
//	any --transport closed/error--> unchanged (session marked not ready)
func Transition(s State, ev EventKind) (next State, ok bool) {
	switch ev {
	case EvLaunchRequested:
		if s == StateUninitialized || s == StateError {
			return StateLaunching, true
		}
	case EvQR:
		if s == StateLaunching || s == StateAwaitingQR {
			return StateAwaitingQR, true
		}
	case EvResuming:
		if s == StateLaunching || s == StateAwaitingQR {
			return StateAuthenticating, true
		}
	case EvAuthenticated:
		if s == StateAwaitingQR || s == StateAuthenticating || s == StateLaunching {
			return StateAuthenticated, true
		}
	case EvReady:
		if s == StateAuthenticated {
			return StateReady, true
		}
	case EvAuthFailure, EvSessionTerminated:
		return StateUninitialized, true
	case EvTransportClosed, EvTransportError:
		// State is preserved; the owner marks the session not ready.
		return s, true
	}
	return s, false
}

// ClearsQR reports whether a transition out of a QR-bearing state must drop
// the stored QR payload.
func ClearsQR(from, to State) bool {
	qrBearing := from == StateAwaitingQR || from == StateAuthenticating
	return qrBearing && to != StateAwaitingQR && to != StateAuthenticating
}
