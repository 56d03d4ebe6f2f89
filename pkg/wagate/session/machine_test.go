package session

import "testing"

func TestTransition(t *testing.T) {
	t.Run("fresh login path", func(t *testing.T) {
		steps := []struct {
			ev   EventKind
			want State
		}{
			{EvLaunchRequested, StateLaunching},
			{EvQR, StateAwaitingQR},
			{EvAuthenticated, StateAuthenticated},
			{EvReady, StateReady},
		}
		state := StateUninitialized
		for _, step := range steps {
			next, ok := Transition(state, step.ev)
			if !ok {
				t.Fatalf("event %s rejected in state %s", step.ev, state)
			}
			if next != step.want {
				t.Fatalf("event %s in %s: got %s, want %s", step.ev, state, next, step.want)
			}
			state = next
		}
	})

	t.Run("resumed session path", func(t *testing.T) {
		state := StateLaunching
		next, ok := Transition(state, EvResuming)
		if !ok || next != StateAuthenticating {
			t.Fatalf("resuming from launching: got %s ok=%v", next, ok)
		}
		next, ok = Transition(next, EvAuthenticated)
		if !ok || next != StateAuthenticated {
			t.Fatalf("authenticated from authenticating: got %s ok=%v", next, ok)
		}
	})

	t.Run("session terminated returns to uninitialized from any state", func(t *testing.T) {
		for _, from := range []State{
			StateLaunching, StateAwaitingQR, StateAuthenticating,
			StateAuthenticated, StateReady, StateError,
		} {
			next, ok := Transition(from, EvSessionTerminated)
			if !ok {
				t.Errorf("session terminated rejected in state %s", from)
			}
			if next != StateUninitialized {
				t.Errorf("session terminated from %s: got %s", from, next)
			}
		}
	})

	t.Run("auth failure resets to uninitialized", func(t *testing.T) {
		next, ok := Transition(StateAwaitingQR, EvAuthFailure)
		if !ok || next != StateUninitialized {
			t.Fatalf("got %s ok=%v", next, ok)
		}
	})

	t.Run("transport events keep the state", func(t *testing.T) {
		for _, ev := range []EventKind{EvTransportClosed, EvTransportError} {
			next, ok := Transition(StateReady, ev)
			if !ok || next != StateReady {
				t.Errorf("event %s in ready: got %s ok=%v", ev, next, ok)
			}
		}
	})

	t.Run("ready is rejected before authentication", func(t *testing.T) {
		for _, from := range []State{StateUninitialized, StateLaunching, StateAwaitingQR} {
			if _, ok := Transition(from, EvReady); ok {
				t.Errorf("ready accepted in state %s", from)
			}
		}
	})

	t.Run("qr is rejected after authentication", func(t *testing.T) {
		if _, ok := Transition(StateReady, EvQR); ok {
			t.Error("qr accepted in ready state")
		}
	})
}

func TestClearsQR(t *testing.T) {
	if !ClearsQR(StateAwaitingQR, StateAuthenticated) {
		t.Error("expected QR cleared when leaving awaiting_qr")
	}
	if ClearsQR(StateAwaitingQR, StateAwaitingQR) {
		t.Error("QR must survive a refreshed code in the same state")
	}
	if !ClearsQR(StateAwaitingQR, StateUninitialized) {
		t.Error("expected QR cleared on reset")
	}
}
