package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerFormatsAttrs(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := slog.New(NewColorHandler(&buf, slog.LevelDebug)).With("component", "session")

	l.WithGroup("mqtt").Info("connected", "broker", "tcp://localhost:1883")

	line := buf.String()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "connected")
	assert.Contains(t, line, "component=session")
	assert.Contains(t, line, "mqtt.broker=tcp://localhost:1883")
}

func TestHandlerLevelFilter(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := slog.New(NewColorHandler(&buf, slog.LevelWarn))

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"fatal": LevelFatal,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
