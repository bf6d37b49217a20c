package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing config files from search path
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	// Client defaults
	assert.Equal(t, "", cfg.Client.DeploymentURL)
	assert.Equal(t, "go-client", cfg.Client.ClientID)
	assert.Equal(t, 30*time.Second, cfg.Client.OperationTimeout)
	assert.Equal(t, 10*time.Second, cfg.Client.HandshakeTimeout)
	assert.Equal(t, "", cfg.Client.HealthCheckQuery)
	assert.Equal(t, 256, cfg.Client.SendBufferSize)

	// Reconnect defaults
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Reconnect.BackoffFactor)
	assert.Equal(t, 0.1, cfg.Reconnect.JitterFactor)

	// Auth refresh defaults
	assert.Equal(t, 2*time.Minute, cfg.Auth.RefreshMargin)
	assert.Equal(t, 10*time.Second, cfg.Auth.RefreshFloor)
	assert.Equal(t, 1*time.Hour, cfg.Auth.FallbackRefresh)
	assert.Equal(t, 15*time.Second, cfg.Auth.FetchTimeout)

	// Simulator defaults
	assert.Equal(t, "0.0.0.0", cfg.Sim.Host)
	assert.Equal(t, 8787, cfg.Sim.Port)
	assert.Equal(t, "", cfg.Sim.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.Sim.ReadTimeout)

	// Metrics defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	// Logging defaults
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FromFile(t *testing.T) {
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)
	defer viper.Reset()

	configYAML := `
client:
  deploymenturl: wss://demo.fluxbase.dev
  clientid: test-client
  operationtimeout: 5s
reconnect:
  maxbackoff: 10s
loglevel: debug
`
	err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(configYAML), 0o644)
	require.NoError(t, err)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://demo.fluxbase.dev", cfg.Client.DeploymentURL)
	assert.Equal(t, "test-client", cfg.Client.ClientID)
	assert.Equal(t, 5*time.Second, cfg.Client.OperationTimeout)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched values keep their defaults
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.InitialBackoff)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvOverride(t *testing.T) {
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)
	defer viper.Reset()

	t.Setenv("FLUXBASE_LOGLEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
}
