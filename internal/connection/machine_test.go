package connection_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/connection"
	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func expectEffects(t *testing.T, got []connection.Effect, want ...connection.Effect) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("effects %#v want %#v", got, want)
	}
}

func connectedMachine(t *testing.T, cfg connection.MachineConfig) *connection.Machine {
	t.Helper()
	m := connection.NewMachine(cfg)
	m.HandleEvent(connection.EventConnectRequested{At: t0})
	if state, _ := m.HandleEvent(connection.EventOpened{At: t0}); state != connection.Connected {
		t.Fatalf("expected connected, got %v", state)
	}
	return m
}

func TestMachineConnectFlow(t *testing.T) {
	t.Parallel()
	m := connection.NewMachine(connection.MachineConfig{QRDebounce: 5 * time.Second})
	if m.State() != connection.Disconnected {
		t.Fatalf("initial state %v", m.State())
	}
	state, effects := m.HandleEvent(connection.EventConnectRequested{At: t0})
	if state != connection.Connecting {
		t.Fatalf("expected connecting, got %v", state)
	}
	expectEffects(t, effects, connection.EffectConnect{})

	_, effects = m.HandleEvent(connection.EventConnectRequested{At: t0})
	expectEffects(t, effects)

	state, effects = m.HandleEvent(connection.EventOpened{At: t0.Add(time.Second)})
	if state != connection.Connected {
		t.Fatalf("expected connected, got %v", state)
	}
	expectEffects(t, effects, connection.EffectClearPairing{})
}

func TestMachinePairingDebounce(t *testing.T) {
	t.Parallel()
	m := connection.NewMachine(connection.MachineConfig{QRDebounce: 5 * time.Second})
	m.HandleEvent(connection.EventConnectRequested{At: t0})

	_, effects := m.HandleEvent(connection.EventPairingChallenge{At: t0, Code: "qr-1"})
	expectEffects(t, effects, connection.EffectExposePairing{Code: "qr-1"})

	_, effects = m.HandleEvent(connection.EventPairingChallenge{At: t0.Add(4 * time.Second), Code: "qr-2"})
	expectEffects(t, effects)
	if m.PairingCode() != "qr-1" {
		t.Fatalf("debounced code must not replace the exposed one, got %q", m.PairingCode())
	}

	_, effects = m.HandleEvent(connection.EventPairingChallenge{At: t0.Add(5 * time.Second), Code: "qr-3"})
	expectEffects(t, effects, connection.EffectExposePairing{Code: "qr-3"})

	_, effects = m.HandleEvent(connection.EventPairingChallenge{At: t0.Add(9 * time.Second), Code: "qr-4"})
	expectEffects(t, effects)

	m.HandleEvent(connection.EventOpened{At: t0.Add(10 * time.Second)})
	if m.PairingCode() != "" {
		t.Fatal("opening must clear the pairing code")
	}
	_, effects = m.HandleEvent(connection.EventPairingChallenge{At: t0.Add(11 * time.Second), Code: "qr-5"})
	expectEffects(t, effects)
}

func TestMachineTransientCloseSchedulesFlatReconnect(t *testing.T) {
	t.Parallel()
	m := connectedMachine(t, connection.MachineConfig{ReconnectDelay: 5 * time.Second})
	for attempt := 1; attempt <= 3; attempt++ {
		state, effects := m.HandleEvent(connection.EventClosed{At: t0, Reason: &engine.CloseReason{Code: engine.CodeRestartRequired}})
		if state != connection.Disconnected {
			t.Fatalf("expected disconnected, got %v", state)
		}
		expectEffects(t, effects,
			connection.EffectClearPairing{},
			connection.EffectScheduleReconnect{Delay: 5 * time.Second, Attempt: attempt},
		)
		m.HandleEvent(connection.EventConnectRequested{At: t0})
	}

	m.HandleEvent(connection.EventOpened{At: t0})
	_, effects := m.HandleEvent(connection.EventClosed{At: t0})
	expectEffects(t, effects,
		connection.EffectClearPairing{},
		connection.EffectScheduleReconnect{Delay: 5 * time.Second, Attempt: 1},
	)
}

func TestMachineLogoutClearsSessionBeforeReconnect(t *testing.T) {
	t.Parallel()
	m := connectedMachine(t, connection.MachineConfig{QRDebounce: time.Minute, ReconnectDelay: time.Second})
	_, effects := m.HandleEvent(connection.EventClosed{At: t0, Reason: &engine.CloseReason{Code: engine.CodeLoggedOut}})
	expectEffects(t, effects,
		connection.EffectClearPairing{},
		connection.EffectClearSession{},
		connection.EffectScheduleReconnect{Delay: time.Second, Attempt: 1},
	)

	m.HandleEvent(connection.EventConnectRequested{At: t0.Add(time.Second)})
	_, effects = m.HandleEvent(connection.EventPairingChallenge{At: t0.Add(2 * time.Second), Code: "fresh"})
	expectEffects(t, effects, connection.EffectExposePairing{Code: "fresh"})
}

func TestMachineBackoffReconnect(t *testing.T) {
	t.Parallel()
	policy := retry.Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Jitter: -1}
	m := connectedMachine(t, connection.MachineConfig{Backoff: &policy})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, delay := range want {
		_, effects := m.HandleEvent(connection.EventClosed{At: t0})
		expectEffects(t, effects,
			connection.EffectClearPairing{},
			connection.EffectScheduleReconnect{Delay: delay, Attempt: i + 1},
		)
		m.HandleEvent(connection.EventConnectRequested{At: t0})
	}
}

func TestMachineCredentialsChanged(t *testing.T) {
	t.Parallel()
	m := connectedMachine(t, connection.MachineConfig{})
	_, effects := m.HandleEvent(connection.EventCredentialsChanged{At: t0})
	expectEffects(t, effects, connection.EffectPersistCredentials{})
}

func TestMachineShutdownIsOneWay(t *testing.T) {
	t.Parallel()
	m := connectedMachine(t, connection.MachineConfig{})
	state, effects := m.HandleEvent(connection.EventShutdown{At: t0})
	if state != connection.Disconnected || !m.ShuttingDown() {
		t.Fatalf("unexpected state %v shutting=%v", state, m.ShuttingDown())
	}
	expectEffects(t, effects, connection.EffectClearPairing{}, connection.EffectFinalize{})

	_, effects = m.HandleEvent(connection.EventShutdown{At: t0})
	expectEffects(t, effects)

	_, effects = m.HandleEvent(connection.EventClosed{At: t0})
	expectEffects(t, effects, connection.EffectClearPairing{})

	_, effects = m.HandleEvent(connection.EventConnectRequested{At: t0})
	expectEffects(t, effects)
	_, effects = m.HandleEvent(connection.EventCredentialsChanged{At: t0})
	expectEffects(t, effects)
	_, effects = m.HandleEvent(connection.EventPairingChallenge{At: t0.Add(time.Hour), Code: "late"})
	expectEffects(t, effects)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for state, want := range map[connection.State]string{
		connection.Disconnected: "disconnected",
		connection.Connecting:   "connecting",
		connection.Connected:    "connected",
		connection.State(42):    "unknown",
	} {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q want %q", state, got, want)
		}
	}
}
