package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annika-hq/plannersync/internal/config"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := newLogger(config.LogSettings{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Nil(t, closer)

	log.Debug("hidden")
	log.Info("shown", "plan_id", "p1")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "p1", rec["plan_id"])
	assert.Equal(t, "plannersync", rec["service"])
}

func TestNewLoggerDebugText(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := newLogger(config.LogSettings{Level: "DEBUG"}, &buf)
	require.NoError(t, err)
	log.Debug("detail")
	assert.Contains(t, buf.String(), "msg=detail")
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	var stderr bytes.Buffer
	log, closer, err := newLogger(config.LogSettings{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1}, &stderr)
	require.NoError(t, err)
	require.NotNil(t, closer)

	log.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Empty(t, stderr.String())
}

func TestNewLoggerRejectsBadSettings(t *testing.T) {
	_, _, err := newLogger(config.LogSettings{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, _, err = newLogger(config.LogSettings{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
