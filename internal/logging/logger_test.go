package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf})

	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")

	require.NotContains(t, buf.String(), "info message")
	require.Contains(t, buf.String(), "warn message")
}

func TestNewWithComponentWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "debug", Output: &buf}, "patch")
	logger.Debug().Str("method", "Natives::Draw").Msg("patched")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "patch", entry["component"])
	require.Equal(t, "Natives::Draw", entry["method"])
	require.Equal(t, "debug", entry["level"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	require.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.NotContains(t, buf.String(), `"message"`)
}

func TestValidLevel(t *testing.T) {
	for _, name := range LevelNames() {
		require.True(t, ValidLevel(name), name)
	}
	require.True(t, ValidLevel(" Warning "))
	require.False(t, ValidLevel("loud"))
	require.Contains(t, LevelNames(), "warning")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "info", cfg.Level)
	require.True(t, cfg.Pretty)
	require.NotNil(t, cfg.Output)
}
