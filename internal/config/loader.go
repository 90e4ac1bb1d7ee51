package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: LSPKEEPER_SERVER_COMMAND sets
// server.command.
const EnvPrefix = "LSPKEEPER"

// Loader reads the user configuration.
type Loader struct {
	v     *viper.Viper
	file  string
	paths []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFile reads exactly path. A missing file is an error.
func WithFile(path string) LoaderOption {
	return func(l *Loader) {
		l.file = path
	}
}

// WithSearchPaths replaces the directories searched for config.{toml,yaml}.
func WithSearchPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// DefaultSearchPaths returns the user config directory for lspkeeper.
func DefaultSearchPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(dir, "lspkeeper")}
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		v:     viper.New(),
		paths: DefaultSearchPaths(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load merges defaults, the config file and the environment, then
// validates the result.
func (l *Loader) Load() (Config, error) {
	v := l.v
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.file != "" {
		if _, err := os.Stat(l.file); err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, l.file)
		}
		v.SetConfigFile(l.file)
	} else {
		v.SetConfigName("config")
		for _, p := range l.paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, &ParseError{Path: v.ConfigFileUsed(), Message: err.Error(), Err: err}
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFileUsed returns the file read by Load, or "".
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.command", d.Server.Command)
	v.SetDefault("server.args", d.Server.Args)
	v.SetDefault("server.env", d.Server.Env)
	v.SetDefault("server.languages", d.Server.Languages)
	v.SetDefault("server.run_on_host", d.Server.RunOnHost)
	v.SetDefault("server.debug", d.Server.Debug)
	v.SetDefault("server.sysroot_probe", d.Server.SysrootProbe)
	v.SetDefault("server.initialize", d.Server.Initialize)

	v.SetDefault("watch.descriptor", d.Watch.Descriptor)
	v.SetDefault("watch.rate_limit", d.Watch.RateLimit.String())

	v.SetDefault("respawn.max_retries", d.Respawn.MaxRetries)
	v.SetDefault("respawn.initial_interval", d.Respawn.InitialInterval.String())
	v.SetDefault("respawn.max_interval", d.Respawn.MaxInterval.String())

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// WriteDefault writes the default configuration as YAML to path. An
// existing file is left alone.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := Default().YAML()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}
