// Package correlation carries the id that ties an HTTP request to the queued
// message it produced and to every send attempt for that message.
package correlation

import (
	"context"
	"strings"

	"github.com/KauaneAlmeida/projet-backendd/internal/ids"
)

// MaxIDLength bounds accepted external identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromHeader returns the normalized header value, or a fresh id when the
// value is missing or unacceptable.
func FromHeader(value string) string {
	if id, ok := Normalize(value); ok {
		return id
	}
	return ids.NewMessageID()
}

// Normalize trims id and accepts it when it is non-empty, at most
// MaxIDLength long and printable ASCII.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}
