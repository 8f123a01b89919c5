// Package config defines the substrate configuration supplied by the
// hosting application: the bus endpoint and credentials, the local
// service's identity, and the liveness timing knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/tlsutil"
)

// Config is the complete substrate configuration.
type Config struct {
	Bus       BusConfig       `json:"bus"`
	Service   ServiceConfig   `json:"service"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

// BusConfig describes the external message bus endpoint.
type BusConfig struct {
	URL              string         `json:"url"`
	Name             string         `json:"name,omitempty"`
	Username         string         `json:"username,omitempty"`
	Password         string         `json:"password,omitempty"`
	Token            string         `json:"token,omitempty"`
	TLS              tlsutil.Config `json:"tls,omitempty"`
	ConnectTimeoutMs int64          `json:"connectTimeoutMs,omitempty"`
	DrainTimeoutMs   int64          `json:"drainTimeoutMs,omitempty"`
}

// ServiceConfig describes the identity this process advertises.
type ServiceConfig struct {
	Type         string            `json:"type"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HeartbeatConfig controls liveness publication and detection.
type HeartbeatConfig struct {
	IntervalMs      int64 `json:"intervalMs"`
	TimeoutMs       int64 `json:"timeoutMs"`
	SweepIntervalMs int64 `json:"sweepIntervalMs,omitempty"`
}

// Default returns the configuration used where the host supplies nothing.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			URL:              "nats://localhost:4222",
			ConnectTimeoutMs: 5000,
			DrainTimeoutMs:   30000,
		},
		Service: ServiceConfig{
			Type: "generic",
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs:      5000,
			TimeoutMs:       15000,
			SweepIntervalMs: 5000,
		},
	}
}

// Load reads a JSON configuration file, layers environment overrides on
// top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapValidation(err, "Config", "Load", "read file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapValidation(err, "Config", "Load", "parse file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables override file values:
//
//	A2A_BUS_URL, A2A_BUS_USERNAME, A2A_BUS_PASSWORD, A2A_BUS_TOKEN,
//	A2A_BUS_TLS ("true" enables), A2A_SERVICE_TYPE,
//	A2A_SERVICE_CAPABILITIES (comma separated)
func (c *Config) applyEnv() {
	if v := os.Getenv("A2A_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("A2A_BUS_USERNAME"); v != "" {
		c.Bus.Username = v
	}
	if v := os.Getenv("A2A_BUS_PASSWORD"); v != "" {
		c.Bus.Password = v
	}
	if v := os.Getenv("A2A_BUS_TOKEN"); v != "" {
		c.Bus.Token = v
	}
	if v := os.Getenv("A2A_BUS_TLS"); v != "" {
		c.Bus.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("A2A_SERVICE_TYPE"); v != "" {
		c.Service.Type = v
	}
	if v := os.Getenv("A2A_SERVICE_CAPABILITIES"); v != "" {
		caps := strings.Split(v, ",")
		for i := range caps {
			caps[i] = strings.TrimSpace(caps[i])
		}
		c.Service.Capabilities = caps
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return errors.WrapValidation(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
			"Config", "Validate", "check fields")
	}

	if c.Bus.URL == "" {
		return fail("bus.url is required")
	}
	if c.Service.Type == "" {
		return fail("service.type is required")
	}
	if c.Heartbeat.IntervalMs <= 0 {
		return fail("heartbeat.intervalMs must be positive")
	}
	if c.Heartbeat.TimeoutMs <= c.Heartbeat.IntervalMs {
		return fail("heartbeat.timeoutMs must exceed heartbeat.intervalMs")
	}
	if c.Heartbeat.SweepIntervalMs < 0 {
		return fail("heartbeat.sweepIntervalMs cannot be negative")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat publication interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the liveness timeout.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutMs) * time.Millisecond
}

// SweepInterval returns the interval between liveness sweeps, defaulting
// to the heartbeat interval when unset.
func (c *Config) SweepInterval() time.Duration {
	if c.Heartbeat.SweepIntervalMs <= 0 {
		return c.HeartbeatInterval()
	}
	return time.Duration(c.Heartbeat.SweepIntervalMs) * time.Millisecond
}

// ConnectTimeout returns the per-attempt bus connection timeout.
func (c *Config) ConnectTimeout() time.Duration {
	if c.Bus.ConnectTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Bus.ConnectTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the graceful shutdown drain bound.
func (c *Config) DrainTimeout() time.Duration {
	if c.Bus.DrainTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Bus.DrainTimeoutMs) * time.Millisecond
}
