// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package log

import "log/slog"

// Level is a log level. It wraps slog.Level and adds a custom TRACE value
// below slog.LevelDebug for very detailed logging (e.g. per-batch stream
// tracing).
type Level slog.Level

const (
	LevelTrace = Level(slog.LevelDebug - 4) // -8
	LevelDebug = Level(slog.LevelDebug)     // -4
	LevelInfo  = Level(slog.LevelInfo)      // 0
	LevelWarn  = Level(slog.LevelWarn)      // 4
	LevelError = Level(slog.LevelError)     // 8
)

// Level implements slog.Leveler so a Level can be passed anywhere an
// slog.Level is expected, e.g. tint.Options.Level.
func (l Level) Level() slog.Level { return slog.Level(l) }

// String implements fmt.Stringer.
func (l Level) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

// ParseLevel converts a string to a Level, supporting the custom TRACE
// level. Valid values: TRACE, DEBUG, INFO, WARN, WARNING, ERROR.
func ParseLevel(levelStr string) (Level, error) {
	switch levelStr {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, &InvalidLevelError{Level: levelStr}
	}
}

// UnmarshalText implements encoding.TextUnmarshaler, so a Level can be
// decoded directly from JSON/YAML config using the same vocabulary as
// ParseLevel.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// InvalidLevelError is returned when ParseLevel receives an invalid level
// string.
type InvalidLevelError struct {
	Level string
}

func (e *InvalidLevelError) Error() string {
	return "unknown log level: " + e.Level + " (valid: TRACE, DEBUG, INFO, WARN, ERROR)"
}
