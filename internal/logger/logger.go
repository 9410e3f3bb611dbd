package logger

import (
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/KeremKalyoncu/medresolve/internal/config"
)

// Rotation controls the log file and how lumberjack rolls it
type Rotation struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config holds logger configuration
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // json or text
	File    Rotation
	Console bool   // also write to stdout when a file is set
	Service string // constant "service" field on every entry
}

// New builds a zap logger writing to stdout, a rotated file, or both.
// Without a file, stdout is always used.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoder := newEncoder(cfg.Format)

	var cores []zapcore.Core
	if cfg.File.Path != "" {
		w, err := rotatingWriter(cfg.File)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, w, level))
	}
	if cfg.Console || cfg.File.Path == "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// FromConfig builds the process logger for one binary
func FromConfig(cfg config.LoggerConfig, service string) (*zap.Logger, error) {
	return New(Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		File: Rotation{
			Path:       cfg.FileName,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   true,
		},
		Console: true,
		Service: service,
	})
}

// URL logs a URL without its query string and fragment. Post links carry
// tracking parameters and upstream media links carry signed tokens.
func URL(key, raw string) zap.Field {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return zap.String(key, raw)
	}
	u.RawQuery, u.Fragment, u.User = "", "", nil
	return zap.String(key, u.String())
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "text" {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func rotatingWriter(r Rotation) (zapcore.WriteSyncer, error) {
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return nil, err
	}
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   r.Path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}), nil
}
