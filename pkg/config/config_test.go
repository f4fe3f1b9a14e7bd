package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "rasd", cfg.DeviceName)
	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
	assert.Equal(t, uint16(23), cfg.DefaultATTMTU)
	assert.Equal(t, 16384, cfg.MaxBodySize)
	assert.Equal(t, 2048, cfg.RealTimeBufferSize)
	assert.Equal(t, 64, cfg.MaxSegmentRecords)
	assert.Equal(t, 256, cfg.TraceCapacity)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, FeatureRealTime|FeatureRetrieveLost|FeatureAbortOperation|FeatureFilterRangingData, cfg.Features)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestLoad(t *testing.T) {
	// GOAL: Verify YAML values overlay the defaults
	//
	// TEST SCENARIO: Partial YAML file → listed keys replaced → others keep defaults

	path := filepath.Join(t.TempDir(), "rasd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
max_connections: 2
ack_timeout: 2500ms
default_att_mtu: 247
metrics_addr: ":9465"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.MaxConnections)
	assert.Equal(t, 2500*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, uint16(247), cfg.DefaultATTMTU)
	assert.Equal(t, ":9465", cfg.MetricsAddr)
	assert.Equal(t, 16384, cfg.MaxBodySize, "unlisted keys MUST keep their defaults")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_connections: [1, 2"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("max_segment_records: 65\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"no connections", func(c *Config) { c.MaxConnections = 0 }},
		{"too many connections", func(c *Config) { c.MaxConnections = 256 }},
		{"mtu below minimum", func(c *Config) { c.DefaultATTMTU = 22 }},
		{"body beyond segment offsets", func(c *Config) { c.MaxBodySize = 70000 }},
		{"no segment records", func(c *Config) { c.MaxSegmentRecords = 0 }},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }},
		{"empty device name", func(c *Config) { c.DeviceName = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
		{"unparsable falls back to info", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
