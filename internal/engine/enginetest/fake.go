// Package enginetest provides a scriptable in-memory engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KauaneAlmeida/projet-backendd/internal/engine"
)

// ErrClosed is returned by Send on a closed socket.
var ErrClosed = errors.New("enginetest: socket closed")

// Sent records one delivered message.
type Sent struct {
	ID        string
	Recipient string
	Body      string
}

// Engine is a fake engine.Engine. Every Open returns a new Socket; events are
// injected with Emit.
type Engine struct {
	mu       sync.Mutex
	sockets  []*Socket
	sink     engine.Sink
	openErrs []error
	changed  chan struct{}
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{changed: make(chan struct{})}
}

// FailNextOpen makes the next Open call return err.
func (e *Engine) FailNextOpen(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openErrs = append(e.openErrs, err)
}

// Open implements engine.Engine.
func (e *Engine) Open(_ context.Context, dir string, sink engine.Sink) (engine.Socket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.notifyLocked()
	if len(e.openErrs) > 0 {
		err := e.openErrs[0]
		e.openErrs = e.openErrs[1:]
		e.sockets = append(e.sockets, nil)
		return nil, err
	}
	sock := &Socket{dir: dir}
	e.sockets = append(e.sockets, sock)
	e.sink = sink
	return sock, nil
}

// Opens reports how many times Open was called, failures included.
func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sockets)
}

// Socket returns the socket from the most recent successful Open.
func (e *Engine) Socket() *Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.sockets) - 1; i >= 0; i-- {
		if e.sockets[i] != nil {
			return e.sockets[i]
		}
	}
	return nil
}

// WaitOpens blocks until Open was called at least n times or timeout elapses.
func (e *Engine) WaitOpens(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		e.mu.Lock()
		if len(e.sockets) >= n {
			e.mu.Unlock()
			return true
		}
		changed := e.changed
		e.mu.Unlock()
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// Emit delivers ev to the sink of the most recent Open.
func (e *Engine) Emit(ev engine.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		panic("enginetest: Emit before Open")
	}
	sink.Deliver(ev)
}

// Connect emits connecting followed by open.
func (e *Engine) Connect() {
	e.Emit(engine.ConnectionUpdate{Status: engine.StatusConnecting})
	e.Emit(engine.ConnectionUpdate{Status: engine.StatusOpen})
}

// Challenge emits a pairing code.
func (e *Engine) Challenge(code string) {
	e.Emit(engine.ConnectionUpdate{Status: engine.StatusConnecting, PairingCode: code})
}

// Drop emits a close with reason.
func (e *Engine) Drop(reason *engine.CloseReason) {
	e.Emit(engine.ConnectionUpdate{Status: engine.StatusClose, Reason: reason})
}

func (e *Engine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Socket is a fake engine.Socket.
type Socket struct {
	mu        sync.Mutex
	dir       string
	sent      []Sent
	sendErr   error
	persisted int
	closed    bool
}

// SetSendError makes every Send fail with err until cleared with nil.
func (s *Socket) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send implements engine.Socket.
func (s *Socket) Send(_ context.Context, recipient, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.sendErr != nil {
		return "", s.sendErr
	}
	id := fmt.Sprintf("fake-%d", len(s.sent)+1)
	s.sent = append(s.sent, Sent{ID: id, Recipient: recipient, Body: body})
	return id, nil
}

// PersistCredentials writes creds.json into the session directory.
func (s *Socket) PersistCredentials(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted++
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, "creds.json"), []byte(fmt.Sprintf(`{"saves":%d}`, s.persisted)), 0o600)
}

// Close implements engine.Socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sent returns the delivered messages.
func (s *Socket) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Persisted reports how many times credentials were saved.
func (s *Socket) Persisted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
