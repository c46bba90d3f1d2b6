package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggingConfig struct {
	// Level is one of none, normal or debug.
	Level string
	// Format is console or json.
	Format string
}

// Prepare builds the program logger. Errors and above go to stderr, the rest
// to stdout.
func (conf LoggingConfig) Prepare(name string) (*zap.Logger, error) {
	var minLevel zapcore.Level
	switch conf.Level {
	case "none":
		return zap.NewNop(), nil
	case "debug":
		minLevel = zapcore.DebugLevel
	case "normal", "":
		minLevel = zapcore.InfoLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", conf.Level)
	}

	var encoder zapcore.Encoder
	switch conf.Format {
	case "json":
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	case "console", "":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeCaller = nil
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log format %q", conf.Format)
	}

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return minLevel <= lvl && lvl < zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), highPriority),
		zapcore.NewCore(encoder.Clone(), zapcore.Lock(os.Stdout), lowPriority),
	)
	return zap.New(core).Named(name), nil
}
