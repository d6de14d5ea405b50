// Package logger holds the process-wide zap logger and the field
// vocabulary components log with.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/erpsync/errors"
)

// Logger is the process-wide logger. It discards everything until
// Initialize runs, so packages may log from init paths and tests.
var Logger = zap.NewNop().Sugar()

// level is shared by every core built here, so SetLevel takes effect on
// loggers already handed out.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Initialize installs a logger at Info level.
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zapcore.InfoLevel)
}

// InitializeWithLevel installs a logger writing JSON lines to stderr, or
// colored console lines to stdout for humans.
func InitializeWithLevel(jsonOutput bool, lvl zapcore.Level) error {
	level.SetLevel(lvl)

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = level
		l, err := cfg.Build()
		if err != nil {
			return errors.Wrap(err, "failed to build JSON logger")
		}
		Logger = l.Sugar()
		return nil
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), level)
	Logger = zap.New(core).Sugar()
	return nil
}

// SetLevel changes the minimum level at runtime. name is a zap level name
// such as "debug" or "warn".
func SetLevel(name string) error {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "log level %q", name)
	}
	level.SetLevel(lvl)
	return nil
}

// Level returns the current minimum level.
func Level() zapcore.Level {
	return level.Level()
}

// VerbosityToLevel maps the count of -v flags to a level: none shows
// warnings and errors, -v adds progress, -vv adds per-batch detail.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.WarnLevel
	case verbosity == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Cleanup flushes buffered entries.
func Cleanup() {
	_ = Logger.Sync()
}

func Infow(msg string, keysAndValues ...interface{})  { Logger.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { Logger.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Logger.Errorw(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { Logger.Debugw(msg, keysAndValues...) }
