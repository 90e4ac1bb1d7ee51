// Package config loads lspkeeper settings.
//
// Settings come from three layers, later ones winning: built-in defaults,
// the user config file and LSPKEEPER_* environment variables (read with
// viper), and a per-project .lspkeeper.toml in the project root.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dshills/lspkeeper/internal/logger"
)

// Tracing exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config is the complete lspkeeper configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" toml:"server" yaml:"server"`
	Watch   WatchConfig   `mapstructure:"watch" toml:"watch" yaml:"watch"`
	Respawn RespawnConfig `mapstructure:"respawn" toml:"respawn" yaml:"respawn"`
	Log     LogConfig     `mapstructure:"log" toml:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" toml:"metrics" yaml:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" toml:"tracing" yaml:"tracing"`
}

// ServerConfig describes the language server worker.
type ServerConfig struct {
	Command string   `mapstructure:"command" toml:"command" yaml:"command"`
	Args    []string `mapstructure:"args" toml:"args" yaml:"args,omitempty"`

	// Env holds NAME=value overrides. A later entry for the same name wins.
	Env          []string `mapstructure:"env" toml:"env" yaml:"env,omitempty"`
	Languages    []string `mapstructure:"languages" toml:"languages" yaml:"languages"`
	RunOnHost    bool     `mapstructure:"run_on_host" toml:"run_on_host" yaml:"run_on_host"`
	Debug        bool     `mapstructure:"debug" toml:"debug" yaml:"debug"`
	SysrootProbe []string `mapstructure:"sysroot_probe" toml:"sysroot_probe" yaml:"sysroot_probe,omitempty"`
	Initialize   bool     `mapstructure:"initialize" toml:"initialize" yaml:"initialize"`
}

// WatchConfig controls restarts on project descriptor changes.
type WatchConfig struct {
	// Descriptor is a file name relative to the project root.
	Descriptor string   `mapstructure:"descriptor" toml:"descriptor" yaml:"descriptor"`
	RateLimit  Duration `mapstructure:"rate_limit" toml:"rate_limit" yaml:"rate_limit"`
}

// RespawnConfig bounds respawning after worker exits. The zero value
// respawns immediately without limit.
type RespawnConfig struct {
	MaxRetries      int      `mapstructure:"max_retries" toml:"max_retries" yaml:"max_retries"`
	InitialInterval Duration `mapstructure:"initial_interval" toml:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `mapstructure:"max_interval" toml:"max_interval" yaml:"max_interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level" yaml:"level"`
	Format string `mapstructure:"format" toml:"format" yaml:"format"`
	File   string `mapstructure:"file" toml:"file" yaml:"file"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" toml:"addr" yaml:"addr"`
}

// TracingConfig selects a span exporter.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter" toml:"exporter" yaml:"exporter"`
	Endpoint string `mapstructure:"endpoint" toml:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" toml:"insecure" yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Command:    "vala-language-server",
			Languages:  []string{"vala"},
			Initialize: true,
		},
		Watch: WatchConfig{
			Descriptor: "meson.build",
			RateLimit:  Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Exporter: ExporterNone,
		},
	}
}

// Validate reports every problem in c. The returned error matches
// ErrInvalidConfig.
func (c Config) Validate() error {
	var err error

	if strings.TrimSpace(c.Server.Command) == "" {
		err = multierr.Append(err, invalid("server.command is empty"))
	}
	for _, lang := range c.Server.Languages {
		if lang == "" {
			err = multierr.Append(err, invalid("server.languages contains an empty tag"))
			break
		}
	}
	for _, kv := range c.Server.Env {
		if name, _, ok := strings.Cut(kv, "="); !ok || name == "" {
			err = multierr.Append(err, invalid("server.env entry %q is not NAME=value", kv))
		}
	}

	switch d := c.Watch.Descriptor; {
	case d == "":
		err = multierr.Append(err, invalid("watch.descriptor is empty"))
	case strings.ContainsRune(d, '/'):
		err = multierr.Append(err, invalid("watch.descriptor %q must be a file name", d))
	}
	if c.Watch.RateLimit < 0 {
		err = multierr.Append(err, invalid("watch.rate_limit is negative"))
	}

	if c.Respawn.MaxRetries < 0 {
		err = multierr.Append(err, invalid("respawn.max_retries is negative"))
	}
	if c.Respawn.InitialInterval < 0 || c.Respawn.MaxInterval < 0 {
		err = multierr.Append(err, invalid("respawn intervals must not be negative"))
	}
	if c.Respawn.MaxInterval > 0 && c.Respawn.MaxInterval < c.Respawn.InitialInterval {
		err = multierr.Append(err, invalid("respawn.max_interval is below respawn.initial_interval"))
	}

	if _, lerr := logger.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, invalid("log.level: %v", lerr))
	}
	switch c.Log.Format {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		err = multierr.Append(err, invalid("log.format %q is not console or json", c.Log.Format))
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		err = multierr.Append(err, invalid("tracing.exporter %q is not none, stdout or otlp", c.Tracing.Exporter))
	}

	return err
}

// IsInvalid reports whether err came from Validate.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// EnvPairs splits the environment overrides into name and value, in order.
// Malformed entries are skipped.
func (s ServerConfig) EnvPairs() [][2]string {
	env := make([][2]string, 0, len(s.Env))
	for _, kv := range s.Env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		env = append(env, [2]string{name, value})
	}
	return env
}

// BackOff builds the respawn policy. It returns nil for the zero value,
// which means respawn immediately and forever.
func (r RespawnConfig) BackOff() backoff.BackOff {
	if r.MaxRetries == 0 && r.InitialInterval == 0 {
		return nil
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if r.InitialInterval > 0 {
		opts := []backoff.ExponentialBackOffOpts{
			backoff.WithInitialInterval(r.InitialInterval.Std()),
			backoff.WithMaxElapsedTime(0),
		}
		if r.MaxInterval > 0 {
			opts = append(opts, backoff.WithMaxInterval(r.MaxInterval.Std()))
		}
		b = backoff.NewExponentialBackOff(opts...)
	}
	if r.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.MaxRetries))
	}
	return b
}

// Policy returns a constructor for fresh respawn policies, or nil for the
// zero value. Every supervisor needs its own policy since a BackOff counts
// its retries.
func (r RespawnConfig) Policy() func() backoff.BackOff {
	if r.BackOff() == nil {
		return nil
	}
	return r.BackOff
}

// YAML renders c as a YAML document.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return out, nil
}
