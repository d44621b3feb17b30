// Package connection drives the chat engine connection: pairing, reconnects,
// logout cleanup and the final save on shutdown.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/clock"
	"github.com/KauaneAlmeida/projet-backendd/internal/correlation"
	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
	"github.com/KauaneAlmeida/projet-backendd/internal/retry"
	"github.com/KauaneAlmeida/projet-backendd/internal/sessionstore"
)

// ErrNotConnected is returned by Send while the connection is not open.
var ErrNotConnected = errors.New("connection: not connected")

// ErrShuttingDown is returned by Start after Shutdown.
var ErrShuttingDown = errors.New("connection: shutting down")

// releaseTimeout bounds the lock release when Start is abandoned.
const releaseTimeout = 5 * time.Second

// SessionStore is the subset of sessionstore.Store the manager needs.
type SessionStore interface {
	Dir() string
	Download(ctx context.Context) (sessionstore.Stats, error)
	Upload(ctx context.Context) (sessionstore.Stats, error)
	Clear(ctx context.Context) (sessionstore.Stats, error)
	ResetLocal() error
}

// Locker is the subset of sessionlock.Lock the manager needs.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config wires a Manager.
type Config struct {
	Engine   engine.Engine
	Sessions SessionStore
	// Lock is optional; without it the manager runs without exclusivity.
	Lock Locker

	QRDebounce       time.Duration
	ReconnectDelay   time.Duration
	ReconnectBackoff *retry.Policy

	Clock  clock.Clock
	Logger pslog.Logger
	// OnMessage receives every MessageReceived event. It runs on the event
	// loop and must not block.
	OnMessage func(engine.MessageReceived)
}

// Manager owns the Machine and executes its effects on a single goroutine.
type Manager struct {
	engine    engine.Engine
	sessions  SessionStore
	lock      Locker
	clock     clock.Clock
	logger    pslog.Logger
	onMessage func(engine.MessageReceived)

	machine *Machine
	inputs  chan input

	mu          sync.RWMutex
	state       State
	pairing     string
	pairingAt   time.Time
	socket      engine.Socket
	generation  int
	started     bool
	stopping    bool
	connectedAt time.Time

	loopCtx  context.Context
	stopLoop context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

type input struct {
	gen       int
	event     engine.Event
	reconnect bool
	persist   chan struct{}
	shutdown  context.Context
}

// New validates cfg and returns an idle Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, errors.New("connection: engine required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("connection: session store required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.QRDebounce == 0 {
		cfg.QRDebounce = DefaultQRDebounce
	}
	return &Manager{
		engine:    cfg.Engine,
		sessions:  cfg.Sessions,
		lock:      cfg.Lock,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		onMessage: cfg.OnMessage,
		machine: NewMachine(MachineConfig{
			QRDebounce:     cfg.QRDebounce,
			ReconnectDelay: cfg.ReconnectDelay,
			Backoff:        cfg.ReconnectBackoff,
		}),
		inputs: make(chan input, 64),
		done:   make(chan struct{}),
	}, nil
}

// Start acquires the session lock, restores the session and begins
// connecting. Lock contention and download failures are logged and do not
// stop startup. The event loop outlives ctx; it ends with Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("connection: already started")
	}
	m.started = true
	m.mu.Unlock()

	held := false
	if m.lock != nil {
		var err error
		held, err = m.lock.Acquire(ctx)
		switch {
		case err != nil:
			m.logger.Warn("connection.lock.error", "error", err)
		case !held:
			m.logger.Warn("connection.lock.contended", "detail", "continuing without exclusivity")
		}
	}
	if _, err := m.sessions.Download(ctx); err != nil {
		if ctx.Err() != nil {
			return m.abortStart(ctx, held)
		}
		m.logger.Warn("connection.session.download_failed", "error", err, "detail", "starting fresh")
	}

	m.loopCtx, m.stopLoop = context.WithCancel(context.WithoutCancel(ctx))
	go m.run()
	m.enqueue(input{reconnect: true})
	return nil
}

// abortStart undoes a Start whose ctx ended before the event loop ran. The
// partially restored session is not uploaded.
func (m *Manager) abortStart(ctx context.Context, held bool) error {
	if held {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if err := m.lock.Release(releaseCtx); err != nil {
			m.logger.Warn("connection.lock.release_failed", "error", err)
		}
		cancel()
	}
	m.mu.Lock()
	m.started = false
	stopping := m.stopping
	m.mu.Unlock()
	m.logger.Warn("connection.start.aborted", "error", ctx.Err(), "shutting_down", stopping)
	if stopping {
		m.finish()
	}
	return ctx.Err()
}

// Send delivers body to recipient on the live connection.
func (m *Manager) Send(ctx context.Context, recipient, body string) (string, error) {
	m.mu.RLock()
	sock := m.socket
	connected := m.state == Connected
	m.mu.RUnlock()
	if !connected || sock == nil {
		return "", ErrNotConnected
	}
	jid, err := engine.NormalizeRecipient(recipient)
	if err != nil {
		return "", err
	}
	id, err := sock.Send(ctx, jid, body)
	if err != nil {
		return "", fmt.Errorf("connection: send to %s: %w", jid, err)
	}
	m.logger.Debug("connection.send", "to", jid, "delivery_id", id, "correlation_id", correlation.ID(ctx))
	return id, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the connection is open.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// ConnectedSince returns when the current connection opened, or zero.
func (m *Manager) ConnectedSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedAt
}

// PairingCode returns the exposed pairing code, or "" when none is pending.
func (m *Manager) PairingCode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairing
}

// Pairing returns the exposed pairing code and when it was exposed.
func (m *Manager) Pairing() (string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairing, m.pairingAt
}

// Done is closed once shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown stops reconnecting, saves and uploads the session, closes the
// socket and releases the lock. It returns when that finished or ctx ended.
// It is safe to call more than once and from signal handlers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	first := !m.stopping
	m.stopping = true
	started := m.started
	m.mu.Unlock()

	if first {
		if !started {
			if m.lock != nil {
				if err := m.lock.Release(ctx); err != nil {
					m.logger.Warn("connection.lock.release_failed", "error", err)
				}
			}
			m.finish()
			return nil
		}
		m.enqueue(input{shutdown: ctx})
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("connection.shutdown.timeout", "error", ctx.Err())
		return ctx.Err()
	}
}

// RequestPersist saves credentials and uploads the session on the event
// loop, the same way a CredentialsChanged event does. It returns once that
// finished, or with ctx's error.
func (m *Manager) RequestPersist(ctx context.Context) error {
	m.mu.RLock()
	running := m.started && !m.stopping
	m.mu.RUnlock()
	if !running {
		return ErrNotConnected
	}
	ack := make(chan struct{})
	m.enqueue(input{persist: ack})
	select {
	case <-ack:
		return nil
	case <-m.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *Manager) enqueue(in input) {
	select {
	case m.inputs <- in:
	case <-m.done:
	}
}

func (m *Manager) sink(gen int) engine.Sink {
	return engine.SinkFunc(func(ev engine.Event) {
		m.enqueue(input{gen: gen, event: ev})
	})
}

func (m *Manager) run() {
	defer m.stopLoop()
	for {
		select {
		case <-m.loopCtx.Done():
			return
		case in := <-m.inputs:
			if m.handle(in) {
				return
			}
		}
	}
}

// handle processes one input and reports whether the loop is finished.
func (m *Manager) handle(in input) bool {
	now := m.clock.Now()
	switch {
	case in.shutdown != nil:
		m.dispatch(in.shutdown, EventShutdown{At: now})
		m.finish()
		return true
	case in.reconnect:
		m.dispatch(m.loopCtx, EventConnectRequested{At: now})
		return false
	case in.persist != nil:
		m.dispatch(m.loopCtx, EventCredentialsChanged{At: now})
		close(in.persist)
		return false
	}

	m.mu.RLock()
	current := m.generation
	m.mu.RUnlock()
	if in.gen != current {
		m.logger.Trace("connection.event.stale", "generation", in.gen, "current", current)
		return false
	}

	switch ev := in.event.(type) {
	case engine.ConnectionUpdate:
		switch ev.Status {
		case engine.StatusConnecting:
			m.dispatch(m.loopCtx, EventConnecting{At: now})
			if ev.PairingCode != "" {
				m.dispatch(m.loopCtx, EventPairingChallenge{At: now, Code: ev.PairingCode})
			}
		case engine.StatusOpen:
			m.dispatch(m.loopCtx, EventOpened{At: now})
		case engine.StatusClose:
			m.dispatch(m.loopCtx, EventClosed{At: now, Reason: ev.Reason})
		}
	case engine.CredentialsChanged:
		m.dispatch(m.loopCtx, EventCredentialsChanged{At: now})
	case engine.MessageReceived:
		if m.onMessage != nil {
			m.onMessage(ev)
		}
	}
	return false
}

func (m *Manager) dispatch(ctx context.Context, ev Event) {
	prev := m.machine.State()
	state, effects := m.machine.HandleEvent(ev)
	m.mu.Lock()
	m.state = state
	m.pairing = m.machine.PairingCode()
	if state == Connected && prev != Connected {
		m.connectedAt = ev.at()
	} else if state != Connected {
		m.connectedAt = time.Time{}
	}
	m.mu.Unlock()
	if state != prev {
		m.logger.Info("connection.state", "from", prev.String(), "to", state.String())
	}
	for _, eff := range effects {
		m.apply(ctx, ev, eff)
	}
}

func (m *Manager) apply(ctx context.Context, ev Event, eff Effect) {
	switch eff := eff.(type) {
	case EffectConnect:
		m.connect(ctx)
	case EffectExposePairing:
		m.mu.Lock()
		m.pairingAt = ev.at()
		m.mu.Unlock()
		m.logger.Info("connection.pairing.exposed", "length", len(eff.Code))
	case EffectClearPairing:
		m.mu.Lock()
		m.pairingAt = time.Time{}
		m.mu.Unlock()
	case EffectClearSession:
		m.clearSession(ctx)
	case EffectScheduleReconnect:
		if closed, ok := ev.(EventClosed); ok {
			m.closeSocket()
			m.logger.Warn("connection.closed", "reason", closed.Reason.String(), "reconnect_in", eff.Delay, "attempt", eff.Attempt)
		}
		go func(delay time.Duration) {
			if err := clock.Wait(m.loopCtx, m.clock, delay); err != nil {
				return
			}
			m.enqueue(input{reconnect: true})
		}(eff.Delay)
	case EffectPersistCredentials:
		m.persist(ctx)
	case EffectFinalize:
		m.finalize(ctx)
	}
}

func (m *Manager) connect(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.logger.Info("connection.open", "generation", gen)
	sock, err := m.engine.Open(ctx, m.sessions.Dir(), m.sink(gen))
	if err != nil {
		m.logger.Warn("connection.open_failed", "error", err)
		m.dispatch(ctx, EventClosed{At: m.clock.Now()})
		return
	}
	m.mu.Lock()
	m.socket = sock
	m.mu.Unlock()
}

func (m *Manager) closeSocket() {
	m.mu.Lock()
	sock := m.socket
	m.socket = nil
	m.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.Close(); err != nil {
		m.logger.Debug("connection.socket.close_failed", "error", err)
	}
}

func (m *Manager) clearSession(ctx context.Context) {
	m.logger.Warn("connection.logged_out", "detail", "clearing session before reconnect")
	m.closeSocket()
	if err := m.sessions.ResetLocal(); err != nil {
		m.logger.Error("connection.session.reset_failed", "error", err)
	}
	if _, err := m.sessions.Clear(ctx); err != nil {
		m.logger.Error("connection.session.clear_failed", "error", err)
	}
}

func (m *Manager) persist(ctx context.Context) {
	m.mu.RLock()
	sock := m.socket
	m.mu.RUnlock()
	if sock != nil {
		if err := sock.PersistCredentials(ctx); err != nil {
			m.logger.Warn("connection.credentials.save_failed", "error", err)
		}
	}
	if _, err := m.sessions.Upload(ctx); err != nil {
		m.logger.Warn("connection.session.upload_failed", "error", err)
	}
}

func (m *Manager) finalize(ctx context.Context) {
	m.logger.Info("connection.shutdown.start")
	m.persist(ctx)
	m.closeSocket()
	if m.lock != nil {
		if err := m.lock.Release(ctx); err != nil {
			m.logger.Warn("connection.lock.release_failed", "error", err)
		}
	}
	m.logger.Info("connection.shutdown.complete")
}
