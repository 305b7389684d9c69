// Package logging configures structured logging for paintsync.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel is a configured log level name.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config describes where and how logs are written.
type Config struct {
	Level  LogLevel `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string   `koanf:"format" validate:"omitempty,oneof=json text"`
	// File, when set, receives a copy of every record and is rotated by size.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
}

// ParseLevel maps a level name to a slog level. The empty name is info.
func ParseLevel(name LogLevel) (slog.Level, error) {
	switch LogLevel(strings.ToLower(string(name))) {
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelInfo, "":
		return slog.LevelInfo, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New builds a logger writing to out and, if configured, to a rotating file.
// The returned closer releases the file.
func New(cfg Config, out io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(out, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// Init installs a logger built from cfg as the slog default, writing to stderr.
func Init(cfg Config) (io.Closer, error) {
	logger, closer, err := New(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

type ctxKey struct{}

// WithLogger returns a context carrying l.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// Error logs err at error level on the default logger.
func Error(msg string, err error, args ...any) {
	slog.Default().Error(msg, append(args, "error", err)...)
}

// ErrorWithCode logs err with its application error code. When code is empty
// it is taken from err.
func ErrorWithCode(msg string, code apperrors.ErrorCode, err error, args ...any) {
	if code == "" {
		code = apperrors.CodeOf(err)
	}
	slog.Default().Error(msg, append(args, "code", string(code), "error", err)...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
