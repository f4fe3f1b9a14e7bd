package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RAS feature bits advertised through the features characteristic.
const (
	FeatureRealTime          uint32 = 1 << 0
	FeatureRetrieveLost      uint32 = 1 << 1
	FeatureAbortOperation    uint32 = 1 << 2
	FeatureFilterRangingData uint32 = 1 << 3
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds daemon configuration
type Config struct {
	LogLevel           string        `yaml:"log_level" json:"log_level" default:"info"`
	DeviceName         string        `yaml:"device_name" json:"device_name" default:"rasd"`
	MaxConnections     int           `yaml:"max_connections" json:"max_connections" default:"4"`
	AckTimeout         time.Duration `yaml:"ack_timeout" json:"ack_timeout" default:"5s"`
	DefaultATTMTU      uint16        `yaml:"default_att_mtu" json:"default_att_mtu" default:"23"`
	MaxBodySize        int           `yaml:"max_body_size" json:"max_body_size" default:"16384"`
	RealTimeBufferSize int           `yaml:"real_time_buffer_size" json:"real_time_buffer_size" default:"2048"`
	MaxSegmentRecords  int           `yaml:"max_segment_records" json:"max_segment_records" default:"64"`
	TraceCapacity      int           `yaml:"trace_capacity" json:"trace_capacity" default:"256"`
	MetricsAddr        string        `yaml:"metrics_addr" json:"metrics_addr"`
	Features           uint32        `yaml:"features" json:"features" default:"15"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}

	checks := []struct {
		name     string
		value    int
		min, max int
	}{
		{"max_connections", c.MaxConnections, 1, 255},
		{"default_att_mtu", int(c.DefaultATTMTU), 23, 517},
		{"max_body_size", c.MaxBodySize, 64, 65535},
		{"real_time_buffer_size", c.RealTimeBufferSize, 64, 1 << 20},
		{"max_segment_records", c.MaxSegmentRecords, 1, 64},
		{"trace_capacity", c.TraceCapacity, 0, 1 << 16},
	}
	for _, chk := range checks {
		if chk.value < chk.min || chk.value > chk.max {
			return fmt.Errorf("%w: %s=%d out of range %d..%d", ErrInvalidConfig, chk.name, chk.value, chk.min, chk.max)
		}
	}

	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack_timeout must be positive, got %s", ErrInvalidConfig, c.AckTimeout)
	}
	if c.DeviceName == "" {
		return fmt.Errorf("%w: device_name is empty", ErrInvalidConfig)
	}
	return nil
}

// Level returns the parsed log level, Info when unparsable
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
