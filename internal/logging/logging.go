package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and optional rotated file output.
type Config struct {
	Level      string
	Format     string // json or console
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Service    string
}

// New builds a zap logger. Info and warnings go to stdout, errors to stderr, and everything at or above
// Level to File when one is configured.
func New(cfg Config) (*zap.Logger, error) {
	return newLogger(cfg, os.Stdout, os.Stderr)
}

func newLogger(cfg Config, stdout, stderr io.Writer) (*zap.Logger, error) {
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(stdout)), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= level && lvl < zapcore.ErrorLevel
		})),
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(stderr)), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= level && lvl >= zapcore.ErrorLevel
		})),
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxAge:     orDefault(cfg.MaxAgeDays, 7),
			MaxBackups: orDefault(cfg.MaxBackups, 7),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	service := cfg.Service
	if service == "" {
		service = "orderflow"
	}
	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", service)),
	), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
