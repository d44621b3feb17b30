// Package ids generates the identifiers used for lock holders and queued messages.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewHolderID returns a time-ordered UUIDv7 string identifying one process
// instance as a session lock holder.
func NewHolderID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewETag returns an opaque entity tag for in-process object stores.
func NewETag() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewMessageID returns a short sortable identifier for a queued message.
func NewMessageID() string {
	return xid.New().String()
}
