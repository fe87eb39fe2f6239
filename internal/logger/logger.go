package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Level controls which messages are emitted.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	minLevel   atomic.Int32
	jsonFormat atomic.Bool
)

func init() {
	minLevel.Store(int32(LevelInfo))
	if os.Getenv("LOG_LEVEL") != "" {
		SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		jsonFormat.Store(true)
	}
}

// ParseLevel maps a config/env string to a Level. Unknown values fall
// back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum emitted level.
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// SetJSONFormat switches between human-readable and JSON output.
func SetJSONFormat(enabled bool) {
	jsonFormat.Store(enabled)
}

func enabled(l Level) bool {
	return int32(l) >= minLevel.Load()
}

// Field is a structured logging key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Debug logs a debug message in printf style.
func Debug(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		log.Printf("DEBUG: "+format, args...)
	}
}

// Info logs an informational message in printf style.
func Info(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		log.Printf("INFO: "+format, args...)
	}
}

// Warn logs a warning message in printf style.
func Warn(format string, args ...interface{}) {
	if enabled(LevelWarn) {
		log.Printf("WARN: "+format, args...)
	}
}

// Error logs an error message in printf style.
func Error(format string, args ...interface{}) {
	if enabled(LevelError) {
		log.Printf("ERROR: "+format, args...)
	}
}

// Structured variants carry explicit fields instead of format args.

func DebugWith(msg string, fields ...Field) {
	if enabled(LevelDebug) {
		emit("DEBUG", msg, fields...)
	}
}

func InfoWith(msg string, fields ...Field) {
	if enabled(LevelInfo) {
		emit("INFO", msg, fields...)
	}
}

func WarnWith(msg string, fields ...Field) {
	if enabled(LevelWarn) {
		emit("WARN", msg, fields...)
	}
}

func ErrorWith(msg string, fields ...Field) {
	if enabled(LevelError) {
		emit("ERROR", msg, fields...)
	}
}

func emit(level, msg string, fields ...Field) {
	if jsonFormat.Load() {
		entry := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"level":     level,
			"message":   msg,
		}
		for _, f := range fields {
			entry[f.Key] = f.Value
		}
		data, _ := json.Marshal(entry)
		log.Println(string(data))
		return
	}

	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%v", f.Key, f.Value)
	}
	if sb.Len() > 0 {
		log.Printf("%s: %s %s", level, msg, sb.String())
	} else {
		log.Printf("%s: %s", level, msg)
	}
}

// Helper constructors for common field types.

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}
