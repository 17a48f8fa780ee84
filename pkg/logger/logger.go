package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options identifies the emitting service on every log line.
type Options struct {
	Level       string
	Service     string
	Environment string
	Version     string
}

// New constructs a zap.Logger configured for structured JSON logging.
func New(opts Options) (*zap.Logger, error) {
	zapLevel := zapcore.InfoLevel
	if level := strings.TrimSpace(opts.Level); level != "" {
		if err := zapLevel.Set(strings.ToLower(level)); err != nil {
			return nil, err
		}
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    baseFields(opts),
	}

	return cfg.Build()
}

func baseFields(opts Options) map[string]any {
	fields := map[string]any{}
	if v := strings.TrimSpace(opts.Service); v != "" {
		fields["service"] = v
	}
	if v := strings.TrimSpace(opts.Environment); v != "" {
		fields["env"] = v
	}
	if v := strings.TrimSpace(opts.Version); v != "" {
		fields["version"] = v
	}
	return fields
}
