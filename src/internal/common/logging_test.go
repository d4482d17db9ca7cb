package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogDebug},
		{"INFO", LogInfo},
		{"warning", LogWarn},
		{"warn", LogWarn},
		{"error", LogError},
		{"", LogInfo},
		{"verbose", LogInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
}

func TestFromZapUsesPrefixAndLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := FromZap(zap.New(core), "pool")

	l.Debug("hidden %d", 1)
	l.Info("visible %d", 2)
	l.Warn("warned %s", "x")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "visible 2", entries[0].Message)
	assert.Equal(t, "pool", entries[0].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core), "engine").With("generation", "abc")

	l.Info("rebuilt")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "abc", entries[0].ContextMap()["generation"])
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	assert.Error(t, Setup("info", "xml"))
	assert.NoError(t, Setup("debug", "json"))
	assert.NoError(t, Setup("info", "console"))
}
