// Package logger provides structured logging using go.uber.org/zap.
package logger

import (
	"context"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// Context keys read by WithContext.
const (
	UserIDKey contextKey = "user_id"
	RunIDKey  contextKey = "run_id"
)

// LoggingConfig holds the configuration for the logger.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console, text
	OutputPath string // stdout, stderr, or a file path
}

// Logger wraps zap.Logger with the field helpers used across sessionhub.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

var defaultLogger atomic.Pointer[Logger]

// Default returns the process-wide logger. Until SetDefault is called it is an
// info-level logger on stdout.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l, err := NewLogger(LoggingConfig{Level: "info", Format: envFormat()})
	if err != nil {
		l = &Logger{zap: zap.NewExample(), level: zap.NewAtomicLevel()}
	}
	defaultLogger.CompareAndSwap(nil, l)
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// NewLogger builds a logger from cfg. An unknown level means info.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Level))
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder

	encoding := "json"
	if cfg.Format == "console" || cfg.Format == "text" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}

	zl, err := zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{zap: zl, level: level}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// envFormat is json under Kubernetes or SESSIONHUB_ENV=production.
func envFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	switch os.Getenv("SESSIONHUB_ENV") {
	case "production", "prod":
		return "json"
	}
	return "text"
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) error {
	return l.level.UnmarshalText([]byte(level))
}

func (l *Logger) Sync() error {
	return l.zap.Sync()
}

func (l *Logger) with(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), level: l.level}
}

// WithFields returns a child logger carrying fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return l.with(fields...)
}

// WithContext adds user_id and run_id when ctx carries them.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	for _, key := range []contextKey{UserIDKey, RunIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.with(fields...)
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(zap.Error(err))
}

func (l *Logger) WithUserID(userID string) *Logger {
	return l.with(zap.String("user_id", userID))
}

func (l *Logger) WithAgentType(agentType string) *Logger {
	return l.with(zap.String("agent_type", agentType))
}

// WithComponent tags every entry with the owning component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(zap.String("component", name))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
