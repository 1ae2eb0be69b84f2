package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())
}

func TestValidateRejectsBadTransport(t *testing.T) {
	s := DefaultSettings()
	s.BusTransport = "kafka"
	require.Error(t, s.Validate())
}

func TestValidateRequiresBrokerURL(t *testing.T) {
	s := DefaultSettings()
	s.BusTransport = "broker"
	s.BrokerURL = ""
	require.Error(t, s.Validate())

	s.BrokerURL = "redis://localhost:6379"
	require.NoError(t, s.Validate())
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	s := DefaultSettings()
	s.SeverityThresholds = Thresholds{High: 0.4, Medium: 0.6}
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.VerdictThresholds = VerdictThresholds{Malicious: 0.3, Suspicious: 0.5}
	require.Error(t, s.Validate())
}

func TestValidateRejectsIncompleteMatrix(t *testing.T) {
	s := DefaultSettings()
	delete(s.DecisionMatrix["high"], "high")
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.DecisionMatrix["critical"] = map[string]string{"low": "log_only"}
	require.Error(t, s.Validate())
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yml")
	body := `
sensor_id: edge-7
bus_transport: memory
emit_threshold: 0.25
severity_thresholds:
  high: 0.9
  medium: 0.6
ip_whitelist:
  - 10.0.0.1
ti_providers:
  abuse:
    enabled: true
    rate_limit_per_day: 50
    burst: 2
    ttl: 60
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SENTINEL_EMIT_THRESHOLD", "0.35")
	t.Setenv("SENTINEL_TI_CREDENTIAL_ABUSE", "key-123")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-7", s.SensorID)
	assert.Equal(t, 0.35, s.EmitThreshold, "env overrides file")
	assert.Equal(t, 0.9, s.SeverityThresholds.High)
	assert.Equal(t, []string{"10.0.0.1"}, s.IPWhitelist)
	assert.Equal(t, "key-123", s.TIProviders["abuse"].Credential)
	assert.Equal(t, 50, s.TIProviders["abuse"].RateLimitPerDay)
	// Untouched providers keep their defaults.
	assert.True(t, s.TIProviders["scanner"].Enabled)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}
