// Copyright 2016-2025 Fraunhofer AISEC
//
// SPDX-License-Identifier: Apache-2.0

package log_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"confirmate.io/streampublisher/log"
)

func TestLevel_UnmarshalText(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		want      log.Level
		wantError bool
	}{
		{name: "trace", text: "TRACE", want: log.LevelTrace},
		{name: "debug", text: "DEBUG", want: log.LevelDebug},
		{name: "info", text: "INFO", want: log.LevelInfo},
		{name: "warn", text: "WARN", want: log.LevelWarn},
		{name: "warning alias", text: "WARNING", want: log.LevelWarn},
		{name: "error", text: "ERROR", want: log.LevelError},
		{name: "unknown", text: "NOPE", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got log.Level
			err := got.UnmarshalText([]byte(tt.text))
			if tt.wantError {
				require.Error(t, err)
				var invalid *log.InvalidLevelError
				require.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "TRACE", log.LevelTrace.String())
	require.Equal(t, "DEBUG", log.LevelDebug.String())
	require.Equal(t, "INFO", log.LevelInfo.String())
	require.Equal(t, "WARN", log.LevelWarn.String())
	require.Equal(t, "ERROR", log.LevelError.String())
}

func TestLevel_JSONUnmarshal(t *testing.T) {
	type config struct {
		LogLevel log.Level `json:"log_level"`
	}

	var got config
	require.NoError(t, json.Unmarshal([]byte(`{"log_level": "TRACE"}`), &got))
	require.Equal(t, log.LevelTrace, got.LogLevel)
}

func TestParseLevel(t *testing.T) {
	level, err := log.ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, log.LevelDebug, level)

	_, err = log.ParseLevel("bogus")
	require.Error(t, err)
}
