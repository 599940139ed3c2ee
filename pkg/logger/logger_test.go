package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorHandler(&buf, slog.LevelInfo, true))

	log.Debug("hidden")
	log.Info("plain", "k", "v")
	log.Info("Persisting entities")
	log.Warn("careful")
	log.With("tx", "t1").WithGroup("store").Error("boom", "name", "graph")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "plain k=v")
	assert.NotContains(t, lines[0], colorGreen)
	assert.True(t, strings.HasPrefix(lines[1], colorGreen))
	assert.True(t, strings.HasPrefix(lines[2], colorYellow))
	assert.True(t, strings.HasPrefix(lines[3], colorRed))
	assert.Contains(t, lines[3], " tx=t1")
	assert.Contains(t, lines[3], "store.name=graph")
}

func TestColorHandlerWithoutColor(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorHandler(&buf, slog.LevelDebug, false))
	log.Error("boom")
	assert.NotContains(t, buf.String(), "\033[")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}
