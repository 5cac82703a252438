// Package logger provides a small leveled logger shared across the server.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which messages are emitted.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	level  atomic.Int32
	output = log.New(os.Stderr, "", log.LstdFlags)
)

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel sets the global log level.
func SetLevel(l Level) {
	level.Store(int32(l))
}

func enabled(l Level) bool {
	return Level(level.Load()) >= l
}

func logf(prefix, format string, args ...any) {
	output.Output(3, prefix+" "+fmt.Sprintf(format, args...))
}

// Errorf logs an error message.
func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		logf("[ERROR]", format, args...)
	}
}

// Warnf logs a warning message.
func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		logf("[WARN]", format, args...)
	}
}

// Infof logs an informational message.
func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		logf("[INFO]", format, args...)
	}
}

// Debugf logs a debug message.
func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		logf("[DEBUG]", format, args...)
	}
}
