// Package svcfields names the subsystems that tag guildstore log lines.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the log key carrying the subsystem path.
const SubsystemKey = pslog.TrustedString("sys")

// Well-known subsystem roots.
const (
	Storage = "storage"
	Cache   = "cache"
	API     = "api.http"
	CLI     = "cli"
)

// Subsystem joins parts into a dot-delimited path, skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through logger with the subsystem
// path built from parts.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	sys := Subsystem(parts...)
	if sys == "" {
		return logger
	}
	return logger.With(SubsystemKey, sys)
}
