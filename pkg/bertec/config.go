// Package bertec is a client for the Bertec treadmill remote-control server.
//
// The server exposes two ZeroMQ channels:
//   - a request/reply channel for commands (RunTreadmill, RunIncline, ...)
//   - a publish/subscribe channel streaming force-plate samples
//
// Commands are strictly one in flight. Samples are conflated: only the
// newest undelivered sample is kept.
package bertec

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds every command round trip.
const DefaultTimeout = 5000 * time.Millisecond

// HeartbeatMaxAttempts is the default number of consecutive missed probes
// before the client declares the server gone.
const HeartbeatMaxAttempts = 10

// Config holds connection parameters for the treadmill server.
type Config struct {
	// ServerHost is the address of the machine running the treadmill software.
	ServerHost string `yaml:"server_host" json:"server_host"`

	// CommandPort is the request/reply port.
	CommandPort int `yaml:"command_port" json:"command_port"`

	// DataPort is the force-plate publish port.
	DataPort int `yaml:"data_port" json:"data_port"`

	// ClientHost and ClientPort are announced to the server in InitConnect.
	// The heartbeat channel binds here when enabled.
	ClientHost string `yaml:"client_host" json:"client_host"`
	ClientPort int    `yaml:"client_port" json:"client_port"`

	// Timeout bounds connect, send and reply waits.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// DecimalComma renders RunTreadmill numbers as "1,25" instead of "1.25".
	DecimalComma bool `yaml:"decimal_comma" json:"decimal_comma"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
}

// HeartbeatConfig controls the optional liveness probe.
type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Interval is the wait between probes.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// MaxAttempts consecutive misses disconnect the client.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultConfig returns the vendor defaults for a local server.
func DefaultConfig() Config {
	return Config{
		ServerHost:   "127.0.0.1",
		CommandPort:  5555,
		DataPort:     5556,
		ClientHost:   "127.0.0.1",
		ClientPort:   5560,
		Timeout:      DefaultTimeout,
		DecimalComma: true,
		Heartbeat: HeartbeatConfig{
			Enabled:     false,
			Interval:    time.Second,
			MaxAttempts: HeartbeatMaxAttempts,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerHost == "" {
		errs = append(errs, errors.New("server_host is required"))
	}
	if c.ClientHost == "" {
		errs = append(errs, errors.New("client_host is required"))
	}
	for name, port := range map[string]int{
		"command_port": c.CommandPort,
		"data_port":    c.DataPort,
		"client_port":  c.ClientPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be in 1..65535, got %d", name, port))
		}
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Heartbeat.Enabled {
		if c.Heartbeat.Interval <= 0 {
			errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got %s", c.Heartbeat.Interval))
		}
		if c.Heartbeat.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("heartbeat max_attempts must be positive, got %d", c.Heartbeat.MaxAttempts))
		}
	}
	return errors.Join(errs...)
}

// CommandEndpoint is the ZeroMQ endpoint of the request channel.
func (c *Config) CommandEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", c.ServerHost, c.CommandPort)
}

// DataEndpoint is the ZeroMQ endpoint of the sample channel.
func (c *Config) DataEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", c.ServerHost, c.DataPort)
}

// HeartbeatEndpoint is where the client listens for liveness probes.
func (c *Config) HeartbeatEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", c.ClientHost, c.ClientPort)
}
