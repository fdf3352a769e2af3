package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strikeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Resources.MaxConcurrent)
	assert.Equal(t, 85.0, cfg.Resources.CPUHighWater)
	assert.Equal(t, 5*time.Second, cfg.Resources.SampleInterval)
	assert.Equal(t, 15*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, "audit", cfg.Audit.Dir)
	assert.Equal(t, "nmap", cfg.Tools["nmap"])
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log_level: warn
resources:
  max_concurrent: 3
  sample_interval: 2s
approval:
  timeout: 5m
scope:
  allow: ["10.0.0.0/8", "assess.example.com"]
  deny: ["10.0.5.0/24"]
tools:
  nmap: /usr/local/bin/nmap
  custom: /opt/tools/custom
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Resources.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Resources.SampleInterval)
	assert.Equal(t, 5*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, []string{"10.0.0.0/8", "assess.example.com"}, cfg.Scope.Allow)
	assert.Equal(t, "/usr/local/bin/nmap", cfg.Tools["nmap"])
	assert.Equal(t, "/opt/tools/custom", cfg.Tools["custom"])
}

func TestLoadMissingOptionalFile(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("STRIKEFLOW_LOG_LEVEL", "trace")
	t.Setenv("STRIKEFLOW_RESOURCES_MAX_CONCURRENT", "2")

	cfg, err := Load(writeConfig(t, "log_level: info\n"))
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Resources.MaxConcurrent)
}

func TestValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "resources:\n  max_concurrent: 0\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "resources:\n  cpu_high_water: 50\n  cpu_low_water: 60\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "approval:\n  timeout: 0s\n"))
	assert.Error(t, err)
}
