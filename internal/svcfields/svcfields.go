// Package svcfields holds the shared log field keys and subsystem helpers.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every log line with the component that emitted it.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts with dots: Subsystem("session", "", "lock") is "session.lock".
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem returns logger tagged with subsystem. A nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
