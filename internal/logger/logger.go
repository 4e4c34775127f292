package logger

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides leveled key/value logging with automatic PII redaction
type Logger struct {
	mu    sync.RWMutex
	level LogLevel
	atom  zap.AtomicLevel
	zap   *zap.Logger
	isDev bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Initialize sets up the default logger instance
func Initialize(level LogLevel, isDev bool) {
	once.Do(func() {
		defaultLogger = New(level, isDev)
	})
}

// New builds a standalone logger on top of a zap production (or development) config.
func New(level LogLevel, isDev bool) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())

	var zcfg zap.Config
	if isDev {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = atom
	zcfg.DisableStacktrace = true

	z, err := zcfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{level: level, atom: atom, zap: z, isDev: isDev}
}

// NewWithCore wraps an existing zap core. Used by tests to observe output.
func NewWithCore(core zapcore.Core, level LogLevel, isDev bool) *Logger {
	return &Logger{
		level: level,
		atom:  zap.NewAtomicLevelAt(level.zapLevel()),
		zap:   zap.New(core),
		isDev: isDev,
	}
}

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	if defaultLogger == nil {
		Initialize(INFO, false)
	}
	return defaultLogger
}

// SetLevel updates the log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.setLevel(level)
	}
}

func (l *Logger) setLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
	l.atom.SetLevel(level.zapLevel())
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// maskNickname keeps the first rune of a nickname.
func maskNickname(nickname string) string {
	runes := []rune(nickname)
	if len(runes) == 0 {
		return ""
	}
	if len(runes) == 1 {
		return "*"
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}

// hashID creates a consistent hash for user and device IDs
func hashID(prefix string, id interface{}) string {
	str := fmt.Sprintf("%v", id)
	hash := sha256.Sum256([]byte(str))
	return fmt.Sprintf("%s_%x", prefix, hash[:4])
}

// truncateID truncates IDs like tokens or ports
func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:4] + "****"
}

// redactValue redacts sensitive values based on the key name
func redactValue(key string, value interface{}) interface{} {
	keyLower := strings.ToLower(key)
	valueStr := fmt.Sprintf("%v", value)

	if strings.Contains(keyLower, "device") {
		return hashID("device", value)
	}

	if strings.Contains(keyLower, "userid") || strings.Contains(keyLower, "user_id") {
		return hashID("user", value)
	}

	if strings.Contains(keyLower, "nickname") {
		return maskNickname(valueStr)
	}

	if strings.Contains(keyLower, "session") || strings.Contains(keyLower, "token") {
		return truncateID(valueStr)
	}

	return value
}

func (l *Logger) fields(keysAndValues []interface{}) []zap.Field {
	if len(keysAndValues) == 0 {
		return nil
	}

	l.mu.RLock()
	redact := !l.isDev || l.level > DEBUG
	l.mu.RUnlock()

	fields := make([]zap.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		var value interface{}
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		} else {
			value = ""
		}

		if err, ok := value.(error); ok {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		if redact {
			value = redactValue(key, value)
		}
		fields = append(fields, zap.Any(key, value))
	}
	return fields
}

// shouldLog checks if a message should be logged based on level
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.zap.Debug(msg, l.fields(keysAndValues)...)
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	if l.shouldLog(INFO) {
		l.zap.Info(msg, l.fields(keysAndValues)...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	if l.shouldLog(WARN) {
		l.zap.Warn(msg, l.fields(keysAndValues)...)
	}
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	if l.shouldLog(ERROR) {
		l.zap.Error(msg, l.fields(keysAndValues)...)
	}
}

// Package-level convenience functions

func Debug(msg string, keysAndValues ...interface{}) {
	GetLogger().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...interface{}) {
	GetLogger().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...interface{}) {
	GetLogger().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...interface{}) {
	GetLogger().Error(msg, keysAndValues...)
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}
