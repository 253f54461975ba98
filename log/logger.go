// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package log

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var (
	logger *slog.Logger

	// colorEnabled tracks whether ANSI colors are supported by the output.
	colorEnabled bool
)

func init() {
	colorEnabled = isatty.IsTerminal(os.Stdout.Fd())

	logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:   LevelInfo,
		NoColor: !colorEnabled,
	}))
	slog.SetDefault(logger)
}

// Configure reconfigures the default logger at the given level string.
// Valid values: TRACE, DEBUG, INFO, WARN, WARNING, ERROR. Returns an error
// if the level string is not recognized.
func Configure(levelStr string) error {
	level, err := ParseLevel(levelStr)
	if err != nil {
		return err
	}

	logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:   level,
		NoColor: !colorEnabled,
	}))
	slog.SetDefault(logger)

	slog.Debug("log level configured", slog.String("level", levelStr))
	return nil
}

// ColorEnabled returns whether ANSI color codes are supported by the
// output. Detected once at process start based on whether stdout is a
// terminal.
func ColorEnabled() bool {
	return colorEnabled
}

// Err is a re-export of tint.Err for convenient error formatting in log
// attributes: slog.Error("message", log.Err(err)).
var Err = tint.Err
