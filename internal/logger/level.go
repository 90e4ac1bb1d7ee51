package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// ParseLevel accepts a level name or a positive verbosity. Verbosity n maps
// to zap level -n, which enables logr's V(n).
func ParseLevel(value string) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 || n > 127 {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", value)
	}
	return zapcore.Level(int8(-n)), nil
}

type levelFlag struct {
	l     *Logger
	value string
}

func (f *levelFlag) Set(value string) error {
	level, err := ParseLevel(value)
	if err != nil {
		return err
	}
	f.l.SetLevel(level)
	f.value = value
	return nil
}

func (f *levelFlag) String() string {
	return f.value
}

func (*levelFlag) Type() string {
	return "level"
}

// AddLevelFlag registers -v/--verbosity on fs.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	fs.VarP(&levelFlag{l: l}, verbosityFlagName, verbosityFlagShortName,
		"Logging verbosity: debug, info, warn, error or a positive integer for more detail.")
}
