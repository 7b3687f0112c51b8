// Package logging builds the service logger: the log/slog API on top of a zap core.
package logging

import (
	"io"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Development bool   // console output at debug level
	Level       string `env:"LEVEL"` // default: "info", one of debug, info, warn, error
}

func (c *Config) level() zapcore.Level {
	if c.Level == "" {
		if c.Development {
			return zapcore.DebugLevel
		}
		return zapcore.InfoLevel
	}
	l, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// New returns a logger writing to w and a function that flushes buffered entries.
func New(cfg *Config, w io.Writer) (*slog.Logger, func() error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), cfg.level())
	zapLogger := zap.New(core)

	return slog.New(zapslog.NewHandler(core)), zapLogger.Sync
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(zapslog.NewHandler(zapcore.NewNopCore()))
}
