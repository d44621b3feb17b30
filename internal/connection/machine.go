package connection

import (
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
)

// Defaults for MachineConfig.
const (
	DefaultQRDebounce     = 5 * time.Second
	DefaultReconnectDelay = 5 * time.Second
)

// State is the connection phase.
type State int

// Connection states. Logout is a close reason, not a state.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is an input to the Machine.
type Event interface {
	at() time.Time
}

// EventConnectRequested asks the machine to open a connection.
type EventConnectRequested struct{ At time.Time }

// EventConnecting reports the engine is negotiating.
type EventConnecting struct{ At time.Time }

// EventPairingChallenge carries a device-linking code from the engine.
type EventPairingChallenge struct {
	At   time.Time
	Code string
}

// EventOpened reports a live connection.
type EventOpened struct{ At time.Time }

// EventClosed reports the connection ended. A nil Reason is transient.
type EventClosed struct {
	At     time.Time
	Reason *engine.CloseReason
}

// EventCredentialsChanged reports new credential material.
type EventCredentialsChanged struct{ At time.Time }

// EventShutdown starts the one-way shutdown.
type EventShutdown struct{ At time.Time }

func (e EventConnectRequested) at() time.Time   { return e.At }
func (e EventConnecting) at() time.Time         { return e.At }
func (e EventPairingChallenge) at() time.Time   { return e.At }
func (e EventOpened) at() time.Time             { return e.At }
func (e EventClosed) at() time.Time             { return e.At }
func (e EventCredentialsChanged) at() time.Time { return e.At }
func (e EventShutdown) at() time.Time           { return e.At }

// Effect is work the caller must perform, in order, after HandleEvent.
type Effect interface {
	effect()
}

// EffectConnect opens a new engine connection.
type EffectConnect struct{}

// EffectExposePairing publishes a pairing code for display.
type EffectExposePairing struct{ Code string }

// EffectClearPairing withdraws any published pairing code.
type EffectClearPairing struct{}

// EffectClearSession closes the socket, empties the local session directory
// and clears the remote session prefix. It precedes any reconnect.
type EffectClearSession struct{}

// EffectScheduleReconnect requests EventConnectRequested after Delay.
type EffectScheduleReconnect struct {
	Delay   time.Duration
	Attempt int
}

// EffectPersistCredentials saves credentials locally then uploads the session.
type EffectPersistCredentials struct{}

// EffectFinalize performs the final save and upload, closes the socket and
// releases the session lock.
type EffectFinalize struct{}

func (EffectConnect) effect()            {}
func (EffectExposePairing) effect()      {}
func (EffectClearPairing) effect()       {}
func (EffectClearSession) effect()       {}
func (EffectScheduleReconnect) effect()  {}
func (EffectPersistCredentials) effect() {}
func (EffectFinalize) effect()           {}

// MachineConfig tunes the Machine.
type MachineConfig struct {
	// QRDebounce is the minimum spacing between exposed pairing codes.
	QRDebounce time.Duration
	// ReconnectDelay is the flat wait before reconnecting.
	ReconnectDelay time.Duration
	// Backoff, when set, replaces the flat delay with Backoff.Delay(attempt).
	Backoff *retry.Policy
}

// Machine is the connection lifecycle state machine. It performs no I/O and
// is not safe for concurrent use.
type Machine struct {
	cfg MachineConfig

	state         State
	pairing       string
	lastChallenge time.Time
	challenged    bool
	reconnects    int
	shuttingDown  bool
}

// NewMachine returns a machine in the Disconnected state.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.QRDebounce < 0 {
		cfg.QRDebounce = 0
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Machine{cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// PairingCode returns the exposed pairing code, if any.
func (m *Machine) PairingCode() string { return m.pairing }

// ShuttingDown reports whether EventShutdown was handled.
func (m *Machine) ShuttingDown() bool { return m.shuttingDown }

// HandleEvent applies ev and returns the new state with the effects to run.
func (m *Machine) HandleEvent(ev Event) (State, []Effect) {
	var effects []Effect
	switch ev := ev.(type) {
	case EventConnectRequested:
		if m.shuttingDown || m.state != Disconnected {
			break
		}
		m.state = Connecting
		effects = append(effects, EffectConnect{})

	case EventConnecting:
		if !m.shuttingDown && m.state == Disconnected {
			m.state = Connecting
		}

	case EventPairingChallenge:
		if m.shuttingDown || m.state == Connected || ev.Code == "" {
			break
		}
		if m.challenged && ev.At.Sub(m.lastChallenge) < m.cfg.QRDebounce {
			break
		}
		m.challenged = true
		m.lastChallenge = ev.At
		m.pairing = ev.Code
		effects = append(effects, EffectExposePairing{Code: ev.Code})

	case EventOpened:
		if m.shuttingDown {
			break
		}
		m.state = Connected
		m.reconnects = 0
		m.pairing = ""
		m.challenged = false
		effects = append(effects, EffectClearPairing{})

	case EventClosed:
		m.state = Disconnected
		m.pairing = ""
		effects = append(effects, EffectClearPairing{})
		if ev.Reason.LoggedOut() {
			m.challenged = false
			m.reconnects = 0
			effects = append(effects, EffectClearSession{})
		}
		if m.shuttingDown {
			break
		}
		m.reconnects++
		effects = append(effects, EffectScheduleReconnect{Delay: m.reconnectDelay(), Attempt: m.reconnects})

	case EventCredentialsChanged:
		if !m.shuttingDown {
			effects = append(effects, EffectPersistCredentials{})
		}

	case EventShutdown:
		if m.shuttingDown {
			break
		}
		m.shuttingDown = true
		m.state = Disconnected
		m.pairing = ""
		effects = append(effects, EffectClearPairing{}, EffectFinalize{})
	}
	return m.state, effects
}

func (m *Machine) reconnectDelay() time.Duration {
	if m.cfg.Backoff == nil {
		return m.cfg.ReconnectDelay
	}
	return m.cfg.Backoff.Delay(m.reconnects)
}
