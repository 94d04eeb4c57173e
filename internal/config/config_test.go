package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:32146", cfg.Address())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "transit", cfg.SAM.Profile)
	assert.Equal(t, calypso.DefaultAcquireTimeout, cfg.SAM.AcquireTimeout)
	assert.EqualValues(t, 5, cfg.SAM.Breaker.ConsecutiveFailures)
	assert.False(t, cfg.Session.MultipleSession)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
port: 40000
log:
  level: debug
  format: json
journal:
  path: /var/lib/calypso/journal.db
sam:
  profile: metro
  software: 2
  acquire_timeout: 250ms
  keys:
    debit: 000102030405060708090a0b0c0d0e0f
    load: 101112131415161718191a1b1c1d1e1f
  breaker:
    consecutive_failures: 3
    timeout: 10s
session:
  multiple_session: true
  buffer_size: 215
sv:
  scale: 0
  currency: JPY
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:40000", cfg.Address())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/calypso/journal.db", cfg.Journal.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.SAM.AcquireTimeout)
	assert.EqualValues(t, 3, cfg.SAM.Breaker.ConsecutiveFailures)
	assert.Equal(t, 10*time.Second, cfg.SAM.Breaker.Timeout)
	assert.True(t, cfg.Session.MultipleSession)
	assert.Equal(t, 215, cfg.Session.BufferSize)
	assert.EqualValues(t, 0, cfg.SV.Scale)

	keys, err := cfg.MasterKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Equal(t, byte(0x10), keys[calypso.LevelLoad][0])
}

func TestLoadConfigFromEnv(t *testing.T) {
	path := writeConfig(t, "port: 40001\n")
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvHost, "0.0.0.0")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:40001", cfg.Address())
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvPortOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 40002\n")
	t.Setenv(EnvPort, "40003")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40003, cfg.Port)

	t.Setenv(EnvPort, "not-a-port")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", "prot: 1\n"},
		{"port out of range", "port: 70000\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"software without keys", "sam:\n  software: 1\n"},
		{"unknown level", "sam:\n  keys:\n    root: 000102030405060708090a0b0c0d0e0f\n"},
		{"bad hex key", "sam:\n  keys:\n    debit: zz\n"},
		{"short key", "sam:\n  keys:\n    debit: 0001\n"},
		{"negative buffer", "session:\n  buffer_size: -1\n"},
		{"scale too large", "sv:\n  scale: 9\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
