package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWith_AddsFieldsToChild(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	parent := &Logger{zap.New(core)}

	child := parent.Named("websocket").With(String("client_id", "c1"), UserID("u1"))
	child.Warn("Client message dropped", Bool("closing", true))
	parent.Info("untouched")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "websocket", entry.LoggerName)
	assert.Equal(t, map[string]interface{}{"client_id": "c1", "user_id": "u1", "closing": true}, entry.ContextMap())
	assert.Empty(t, logs.All()[1].ContextMap())
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.log")
	log, err := New(Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.Debug("Offer sent", RideID("r1"), DriverID("d1"))
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "Offer sent", line["message"])
	assert.Equal(t, "r1", line["ride_id"])
	assert.Equal(t, "d1", line["driver_id"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.log")
	log, err := New(Config{Level: "chatty", Format: "json", Output: path})
	require.NoError(t, err)

	log.Debug("hidden")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, raw)
}
