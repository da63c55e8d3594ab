// Package logging builds the engine's zap logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/san-kum/cryostat/internal/config"
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New returns a logger writing to console and, when cfg.File is set, to a
// size-rotated JSON file. The returned closer flushes and closes the file.
func New(cfg config.LogConfig, console io.Writer) (*zap.Logger, io.Closer, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("logging: level %q: %w", cfg.Level, err)
		}
	}
	if console == nil {
		console = os.Stderr
	}

	var enc zapcore.Encoder
	switch cfg.Encoding {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(encoderConfig())
	case "json":
		enc = zapcore.NewJSONEncoder(encoderConfig())
	default:
		return nil, nil, fmt.Errorf("logging: unknown encoding %q", cfg.Encoding)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(console), level)}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), level))
		closer = rotator
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
