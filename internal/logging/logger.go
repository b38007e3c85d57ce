// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the encoder profile and an optional rotating log file.
type Options struct {
	Development bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// New builds a zap.Logger configured for development or production. When
// opts.File is set every entry is also written as JSON to a rotating file.
// The returned cleanup flushes the logger and closes the file.
func New(opts Options) (*zap.Logger, func() error, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"

	var buildOpts []zap.Option
	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.TimeKey = "ts"
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(rotator), cfg.Level)
		buildOpts = append(buildOpts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	logger, err := cfg.Build(buildOpts...)
	if err != nil {
		if opts.Development {
			return nil, nil, fmt.Errorf("build dev logger: %w", err)
		}
		return nil, nil, fmt.Errorf("build prod logger: %w", err)
	}

	cleanup := func() error {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}
	return logger, cleanup, nil
}
