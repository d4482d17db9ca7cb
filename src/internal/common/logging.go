package common

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

var logLevelNames = map[LogLevel]string{
	LogDebug: "DEBUG",
	LogInfo:  "INFO",
	LogWarn:  "WARN",
	LogError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogDebug:
		return zapcore.DebugLevel
	case LogWarn:
		return zapcore.WarnLevel
	case LogError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel converts a config string to a LogLevel. Unknown values map to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogDebug
	case "warn", "warning":
		return LogWarn
	case "error":
		return LogError
	default:
		return LogInfo
	}
}

// DebugEnvVar switches the initial log level to debug when set to "true"
const DebugEnvVar = "VIEWPORT_ENGINE_DEBUG"

// baseLogger is shared by every SafeLogger that was not built from an explicit zap logger.
var baseLogger atomic.Pointer[zap.Logger]

func init() {
	level := LogInfo
	if EnvEnabled(DebugEnvVar) {
		level = LogDebug
	}
	baseLogger.Store(newStderrLogger(level, "console"))
}

// newStderrLogger builds a zap logger that only ever writes to stderr
func newStderrLogger(level LogLevel, format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level.zapLevel()))
	return zap.New(core)
}

// Setup replaces the shared base logger. Format is "console" or "json".
func Setup(level, format string) error {
	switch strings.ToLower(format) {
	case "", "console", "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	old := baseLogger.Swap(newStderrLogger(ParseLogLevel(level), format))
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

// SetBase installs an already configured zap logger as the shared base logger.
// Passing nil restores a no-op logger.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	baseLogger.Store(l)
}

// SafeLogger provides STDIO-safe, component-prefixed logging backed by zap
type SafeLogger struct {
	prefix string
	fixed  *zap.Logger
}

// NewSafeLogger creates a logger with the given prefix that follows the shared base logger
func NewSafeLogger(prefix string) *SafeLogger {
	return &SafeLogger{prefix: prefix}
}

// FromZap creates a logger pinned to the given zap logger; used by tests (zaptest) and embedders
func FromZap(l *zap.Logger, prefix string) *SafeLogger {
	if l == nil {
		return NewSafeLogger(prefix)
	}
	return &SafeLogger{prefix: prefix, fixed: l.Named(prefix)}
}

// With returns a child logger carrying structured key/value pairs
func (l *SafeLogger) With(keysAndValues ...interface{}) *SafeLogger {
	return &SafeLogger{
		prefix: l.prefix,
		fixed:  l.zap().Sugar().With(keysAndValues...).Desugar(),
	}
}

// Named returns a child logger with an extended prefix
func (l *SafeLogger) Named(name string) *SafeLogger {
	if l.fixed != nil {
		return &SafeLogger{prefix: l.prefix + "." + name, fixed: l.fixed.Named(name)}
	}
	return NewSafeLogger(l.prefix + "." + name)
}

func (l *SafeLogger) zap() *zap.Logger {
	if l.fixed != nil {
		return l.fixed
	}
	return baseLogger.Load().Named(l.prefix)
}

func (l *SafeLogger) enabled(level zapcore.Level) bool {
	if l.fixed != nil {
		return l.fixed.Core().Enabled(level)
	}
	return baseLogger.Load().Core().Enabled(level)
}

// Debug logs a debug message
func (l *SafeLogger) Debug(format string, args ...interface{}) {
	if !l.enabled(zapcore.DebugLevel) {
		return
	}
	l.zap().Sugar().Debugf(format, args...)
}

// Info logs an info message
func (l *SafeLogger) Info(format string, args ...interface{}) {
	if !l.enabled(zapcore.InfoLevel) {
		return
	}
	l.zap().Sugar().Infof(format, args...)
}

// Warn logs a warning message
func (l *SafeLogger) Warn(format string, args ...interface{}) {
	if !l.enabled(zapcore.WarnLevel) {
		return
	}
	l.zap().Sugar().Warnf(format, args...)
}

// Error logs an error message
func (l *SafeLogger) Error(format string, args ...interface{}) {
	if !l.enabled(zapcore.ErrorLevel) {
		return
	}
	l.zap().Sugar().Errorf(format, args...)
}

// Sync flushes buffered log entries
func (l *SafeLogger) Sync() error {
	return l.zap().Sync()
}

// Global logger instances for convenience
var (
	EngineLogger = NewSafeLogger("engine")
	CLILogger    = NewSafeLogger("cli")
)
