// Package logger provides leveled logging shared by every integrity check.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelTags = [...]string{"[DEBUG] ", "[INFO] ", "[WARN] ", "[ERROR] "}

// ParseLevel maps a config string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type state struct {
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
}

var std = &state{level: InfoLevel}

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	flags := log.LstdFlags | log.Lmicroseconds
	if strings.ToLower(format) == "text" {
		flags |= log.Lshortfile
	}
	std.mu.Lock()
	std.level = ParseLevel(level)
	std.logger = log.New(w, "", flags)
	std.mu.Unlock()
}

func output(l Level, prefix, format string, args ...interface{}) {
	std.mu.RLock()
	defer std.mu.RUnlock()
	if std.logger == nil || std.level > l {
		return
	}
	msg := levelTags[l] + prefix + fmt.Sprintf(format, args...)
	_ = std.logger.Output(3, msg)
}

func Debug(format string, args ...interface{}) { output(DebugLevel, "", format, args...) }
func Info(format string, args ...interface{})  { output(InfoLevel, "", format, args...) }
func Warn(format string, args ...interface{})  { output(WarnLevel, "", format, args...) }
func Error(format string, args ...interface{}) { output(ErrorLevel, "", format, args...) }

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf("[FATAL] "+format, args...)
	std.mu.RLock()
	if std.logger != nil {
		_ = std.logger.Output(2, msg)
	}
	std.mu.RUnlock()
	os.Exit(1)
}

// Component prefixes every message with a component name, e.g. the check
// that emitted it.
type Component string

func (c Component) prefix() string { return string(c) + ": " }

func (c Component) Debug(format string, args ...interface{}) {
	output(DebugLevel, c.prefix(), format, args...)
}

func (c Component) Info(format string, args ...interface{}) {
	output(InfoLevel, c.prefix(), format, args...)
}

func (c Component) Warn(format string, args ...interface{}) {
	output(WarnLevel, c.prefix(), format, args...)
}

func (c Component) Error(format string, args ...interface{}) {
	output(ErrorLevel, c.prefix(), format, args...)
}
