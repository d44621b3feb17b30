// Package engine is the contract between the connection manager and the chat
// protocol engine. The engine owns pairing, encryption and framing; the
// bridge only consumes its events and calls the few methods below.
package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Status is the connection phase reported by a ConnectionUpdate.
type Status string

// Connection phases.
const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClose      Status = "close"
)

// Close reason codes the bridge distinguishes.
const (
	CodeLoggedOut       = 401
	CodeTimedOut        = 408
	CodeReplaced        = 440
	CodeRestartRequired = 515
)

// UserServer is the address domain for phone-number recipients.
const UserServer = "s.whatsapp.net"

// ErrInvalidRecipient is returned when a recipient has no usable digits.
var ErrInvalidRecipient = errors.New("engine: invalid recipient")

// CloseReason explains why the connection closed. A nil reason is transient.
type CloseReason struct {
	Code    int
	Message string
}

// LoggedOut reports whether the account unlinked this device.
func (r *CloseReason) LoggedOut() bool {
	return r != nil && r.Code == CodeLoggedOut
}

func (r *CloseReason) String() string {
	if r == nil {
		return "unknown"
	}
	if r.Message == "" {
		return "code " + strconv.Itoa(r.Code)
	}
	return r.Message + " (code " + strconv.Itoa(r.Code) + ")"
}

// Event is anything the engine reports.
type Event interface {
	engineEvent()
}

// ConnectionUpdate reports a connection phase change. PairingCode is set when
// the engine wants a device-linking code shown; Reason accompanies StatusClose.
type ConnectionUpdate struct {
	Status      Status
	PairingCode string
	Reason      *CloseReason
}

// CredentialsChanged signals that local credential material changed.
type CredentialsChanged struct{}

// MessageReceived reports a chat message seen on the connection.
type MessageReceived struct {
	ID           string
	From         string
	Text         string
	Outbound     bool
	DeliveryType string
	Timestamp    time.Time
}

func (ConnectionUpdate) engineEvent()   {}
func (CredentialsChanged) engineEvent() {}
func (MessageReceived) engineEvent()    {}

// Sink receives engine events. Implementations must not block for long; the
// engine may call Deliver from its own goroutines.
type Sink interface {
	Deliver(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Deliver calls f(ev).
func (f SinkFunc) Deliver(ev Event) { f(ev) }

// Socket is one live engine connection.
type Socket interface {
	// Send delivers body to recipient and returns the engine's delivery id.
	Send(ctx context.Context, recipient, body string) (string, error)
	// PersistCredentials flushes credential material to the session directory.
	PersistCredentials(ctx context.Context) error
	// Close tears the connection down without logging out.
	Close() error
}

// Engine opens connections backed by the session files in dir.
type Engine interface {
	Open(ctx context.Context, dir string, sink Sink) (Socket, error)
}

// NormalizeRecipient turns a phone number such as "+55 11 99999-9999" into
// "5511999999999@s.whatsapp.net". Values that already carry a domain are
// returned trimmed.
func NormalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		user, server, _ := strings.Cut(to, "@")
		if user == "" || server == "" {
			return "", ErrInvalidRecipient
		}
		return to, nil
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return "", ErrInvalidRecipient
	}
	return digits + "@" + UserServer, nil
}
