// Package config loads the treadmill controller configuration from YAML
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-treadmill/internal/log"
	"github.com/teslashibe/go-treadmill/pkg/bertec"
	"github.com/teslashibe/go-treadmill/pkg/control"
	"github.com/teslashibe/go-treadmill/pkg/estimator"
	"github.com/teslashibe/go-treadmill/pkg/loop"
	"github.com/teslashibe/go-treadmill/pkg/web"
)

// Config is the full controller configuration.
type Config struct {
	LogLevel  string           `yaml:"log_level" json:"log_level"`
	Bertec    bertec.Config    `yaml:"bertec" json:"bertec"`
	Estimator estimator.Config `yaml:"estimator" json:"estimator"`
	Control   control.Config   `yaml:"control" json:"control"`
	Loop      loop.Config      `yaml:"loop" json:"loop"`
	Web       web.Config       `yaml:"web" json:"web"`
}

// Default returns every package default.
func Default() Config {
	c := Config{
		LogLevel:  "info",
		Bertec:    bertec.DefaultConfig(),
		Estimator: estimator.DefaultConfig(),
		Control:   control.DefaultConfig(),
		Loop:      loop.DefaultConfig(),
		Web:       web.DefaultConfig(),
	}
	c.sync()
	return c
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	c.sync()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// sync makes the filter and gain design run at the loop period.
func (c *Config) sync() {
	c.Estimator.Dt = c.Loop.Period
	c.Control.Dt = c.Loop.Period
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	port := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a port", key, v))
			return
		}
		*dst = n
	}

	str("BERTEC_HOST", &c.Bertec.ServerHost)
	port("BERTEC_RPC_PORT", &c.Bertec.CommandPort)
	port("BERTEC_DATA_PORT", &c.Bertec.DataPort)
	str("BERTEC_CLIENT_HOST", &c.Bertec.ClientHost)
	port("BERTEC_CLIENT_PORT", &c.Bertec.ClientPort)
	str("LOG_LEVEL", &c.LogLevel)
	str("WEB_ADDR", &c.Web.Addr)
	return errors.Join(errs...)
}

// Validate checks every section. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	section := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	section("bertec", c.Bertec.Validate())
	section("estimator", c.Estimator.Validate())
	section("control", c.Control.Validate())
	section("loop", c.Loop.Validate())
	section("web", c.Web.Validate())
	if c.Estimator.Center != c.Control.Center {
		errs = append(errs, fmt.Errorf("estimator center (%v) and control center (%v) differ", c.Estimator.Center, c.Control.Center))
	}
	return errors.Join(errs...)
}
