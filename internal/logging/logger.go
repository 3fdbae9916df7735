// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of trace, debug, info, warning, error, none.
	Level       string
	Development bool
	// File enables an additional rotating JSON log file when set.
	File           string
	FileMaxMB      int
	FileBackups    int
	FileMaxAgeDays int
}

// ParseLevel maps a LOG_LEVEL value onto a zap level. The second return is
// false for "none", which disables logging entirely.
func ParseLevel(level string) (zapcore.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return zapcore.DebugLevel, true, nil
	case "", "info":
		return zapcore.InfoLevel, true, nil
	case "warning", "warn":
		return zapcore.WarnLevel, true, nil
	case "error":
		return zapcore.ErrorLevel, true, nil
	case "none":
		return zapcore.InfoLevel, false, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a zap.Logger writing to stdout and, optionally, a rotating file.
func New(opts Options) (*zap.Logger, error) {
	level, enabled, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return zap.NewNop(), nil
	}
	atom := zap.NewAtomicLevelAt(level)

	var consoleEncoder zapcore.Encoder
	if opts.Development {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(productionEncoderConfig())
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), atom),
	}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    valueOr(opts.FileMaxMB, 100),
			MaxBackups: valueOr(opts.FileBackups, 5),
			MaxAge:     valueOr(opts.FileMaxAgeDays, 14),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(productionEncoderConfig()),
			zapcore.AddSync(rotator),
			atom,
		))
	}

	zapOpts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if strings.EqualFold(opts.Level, "trace") {
		zapOpts = []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.WarnLevel)}
	}
	if opts.Development {
		zapOpts = append(zapOpts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), zapOpts...), nil
}

func productionEncoderConfig() zapcore.EncoderConfig {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return encCfg
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
