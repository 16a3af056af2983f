// Package logging builds the process logger: a file sink at the configured
// level teed with a console sink on stdout.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Path of the log file; empty disables the file sink.
	Path  string
	Level string
	// Verbose lowers the console sink from warn to debug.
	Verbose bool
}

// New returns the logger and a cleanup that syncs and closes the file.
func New(cfg Config) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	consoleLevel := zapcore.WarnLevel
	if cfg.Verbose {
		consoleLevel = zapcore.DebugLevel
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), consoleLevel),
	}

	var file *os.File
	if cfg.Path != "" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		var err error
		file, err = os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), level))
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	cleanup := func() {
		_ = log.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return log, cleanup, nil
}
