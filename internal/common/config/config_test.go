package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8844, cfg.Server.Port)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, 10, cfg.Terminal.MaxSessions)
	assert.Equal(t, 16, cfg.Terminal.FlushIntervalMs)
	assert.Equal(t, 5, cfg.Terminal.ExitGraceSec)
	assert.Equal(t, 100, cfg.Orchestrator.OutputHistoryCap)
	assert.Equal(t, 300, cfg.Orchestrator.StartSettleMs)
	assert.Equal(t, 200, cfg.Orchestrator.StartCommandMs)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Orchestrator.DataDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTSCOPE_SERVER_PORT", "9000")
	t.Setenv("AGENTSCOPE_TERMINAL_MAX_SESSIONS", "3")
	t.Setenv("AGENTSCOPE_ORCHESTRATOR_DATA_DIR", "/tmp/agentscope-test")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Terminal.MaxSessions)
	assert.Equal(t, "/tmp/agentscope-test", cfg.Orchestrator.DataDir)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server:\n  port: 7777\nterminal:\n  maxSessions: 2\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Terminal.MaxSessions)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"bad port", func(cfg *Config) { cfg.Server.Port = -1 }},
		{"zero sessions", func(cfg *Config) { cfg.Terminal.MaxSessions = 0 }},
		{"zero flush", func(cfg *Config) { cfg.Terminal.FlushIntervalMs = 0 }},
		{"empty data dir", func(cfg *Config) { cfg.Orchestrator.DataDir = "" }},
		{"bad log level", func(cfg *Config) { cfg.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	tc := TerminalConfig{FlushIntervalMs: 16, IdleSweepSec: 300, IdleTimeoutSec: 60, ExitGraceSec: 5}
	assert.Equal(t, 16*time.Millisecond, tc.FlushInterval())
	assert.Equal(t, 5*time.Minute, tc.IdleSweepInterval())
	assert.Equal(t, time.Minute, tc.IdleTimeout())
	assert.Equal(t, 5*time.Second, tc.ExitGrace())

	oc := OrchestratorConfig{StartSettleMs: 300, StartCommandMs: 200}
	assert.Equal(t, 300*time.Millisecond, oc.StartSettleDelay())
	assert.Equal(t, 200*time.Millisecond, oc.StartCommandDelay())
}
