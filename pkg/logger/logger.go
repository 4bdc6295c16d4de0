package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide structured logger. It is usable before Init.
var Log = New(os.Stderr, "info", "text")

// ParseLevel maps "debug", "info", "warn", "error" to a slog level; anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zapcore.ErrorLevel
	case l >= slog.LevelWarn:
		return zapcore.WarnLevel
	case l >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Init replaces the global logger. format "json" selects the JSON encoder.
func Init(level, format string) {
	Log = New(os.Stdout, level, format)
	slog.SetDefault(Log)
}

// New builds a logger writing to w without touching the global. Records go
// through a zap core; callers only see *slog.Logger.
func New(w io.Writer, level, format string) *slog.Logger {
	return slog.New(zapslog.NewHandler(newCore(w, level, format)))
}

func newCore(w io.Writer, level, format string) zapcore.Core {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.MessageKey = "msg"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(zapLevel(ParseLevel(level))))
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *slog.Logger {
	return slog.New(zapslog.NewHandler(zapcore.NewNopCore()))
}

// With returns a child of the global logger tagged with a component name.
func With(component string) *slog.Logger {
	return Log.With("component", component)
}

func Debug(event string, args ...any) { Log.Debug(event, args...) }
func Info(event string, args ...any)  { Log.Info(event, args...) }
func Warn(event string, args ...any)  { Log.Warn(event, args...) }
func Error(event string, args ...any) { Log.Error(event, args...) }
