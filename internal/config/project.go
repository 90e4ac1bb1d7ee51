package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ProjectFile is the per-project override file in a project root.
const ProjectFile = ".lspkeeper.toml"

// projectOverrides lists the settings a project may change. Unset fields
// keep the user value.
type projectOverrides struct {
	Server struct {
		Command      *string  `toml:"command"`
		Args         []string `toml:"args"`
		Env          []string `toml:"env"`
		Languages    []string `toml:"languages"`
		RunOnHost    *bool    `toml:"run_on_host"`
		Debug        *bool    `toml:"debug"`
		SysrootProbe []string `toml:"sysroot_probe"`
		Initialize   *bool    `toml:"initialize"`
	} `toml:"server"`
	Watch struct {
		Descriptor *string   `toml:"descriptor"`
		RateLimit  *Duration `toml:"rate_limit"`
	} `toml:"watch"`
}

// LoadProject applies root's ProjectFile on top of base. A missing file
// returns base unchanged.
func LoadProject(root string, base Config) (Config, error) {
	path := filepath.Join(root, ProjectFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var o projectOverrides
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return base, parseError(path, err)
	}

	cfg := o.apply(base)
	if err := cfg.Validate(); err != nil {
		return base, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (o projectOverrides) apply(c Config) Config {
	s := o.Server
	if s.Command != nil {
		c.Server.Command = *s.Command
	}
	if s.Args != nil {
		c.Server.Args = s.Args
	}
	if len(s.Env) > 0 {
		c.Server.Env = append(slices.Clip(c.Server.Env), s.Env...)
	}
	if s.Languages != nil {
		c.Server.Languages = s.Languages
	}
	if s.RunOnHost != nil {
		c.Server.RunOnHost = *s.RunOnHost
	}
	if s.Debug != nil {
		c.Server.Debug = *s.Debug
	}
	if s.SysrootProbe != nil {
		c.Server.SysrootProbe = s.SysrootProbe
	}
	if s.Initialize != nil {
		c.Server.Initialize = *s.Initialize
	}

	if o.Watch.Descriptor != nil {
		c.Watch.Descriptor = *o.Watch.Descriptor
	}
	if o.Watch.RateLimit != nil {
		c.Watch.RateLimit = *o.Watch.RateLimit
	}
	return c
}

func parseError(path string, err error) error {
	pe := &ParseError{Path: path, Message: err.Error(), Err: err}

	var strictErr *toml.StrictMissingError
	if errors.As(err, &strictErr) && len(strictErr.Errors) > 0 {
		first := &strictErr.Errors[0]
		pe.Line, pe.Column = first.Position()
		pe.Message = "unknown setting " + strings.Join(first.Key(), ".")
		return pe
	}

	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		pe.Line, pe.Column = decodeErr.Position()
	}
	return pe
}
