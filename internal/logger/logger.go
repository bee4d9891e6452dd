// Package logger provides leveled logging in text or JSON-lines form.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger provides leveled logging.
type Logger struct {
	mu     sync.Mutex
	level  Level
	json   bool
	out    io.Writer
	logger *log.Logger
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	defaultLogger = newLogger(ParseLevel(level), format, os.Stderr)
}

// SetOutput redirects the default logger, initializing it at debug level if needed.
func SetOutput(w io.Writer) {
	if defaultLogger == nil {
		defaultLogger = newLogger(DebugLevel, "text", w)
		return
	}
	defaultLogger.mu.Lock()
	defaultLogger.out = w
	defaultLogger.logger.SetOutput(w)
	defaultLogger.mu.Unlock()
}

func newLogger(level Level, format string, w io.Writer) *Logger {
	isJSON := strings.ToLower(format) == "json"
	flags := log.LstdFlags | log.Lmicroseconds
	if !isJSON {
		flags |= log.Lshortfile
	}
	return &Logger{
		level:  level,
		json:   isJSON,
		out:    w,
		logger: log.New(w, "", flags),
	}
}

type jsonLine struct {
	Time  string `json:"time"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func (l *Logger) output(depth int, level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !l.json {
		_ = l.logger.Output(depth, "["+level.String()+"] "+msg)
		return
	}
	b, err := json.Marshal(jsonLine{
		Time:  time.Now().Format(time.RFC3339Nano),
		Level: strings.ToLower(level.String()),
		Msg:   msg,
	})
	if err != nil {
		return
	}
	l.mu.Lock()
	_, _ = l.out.Write(append(b, '\n'))
	l.mu.Unlock()
}

func logAt(level Level, format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= level {
		defaultLogger.output(4, level, format, args...)
	}
}

func Debug(format string, args ...interface{}) { logAt(DebugLevel, format, args...) }

func Info(format string, args ...interface{}) { logAt(InfoLevel, format, args...) }

func Warn(format string, args ...interface{}) { logAt(WarnLevel, format, args...) }

func Error(format string, args ...interface{}) { logAt(ErrorLevel, format, args...) }

// Fatal logs regardless of level and exits with status 1.
func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.output(3, ErrorLevel, "FATAL: "+format, args...)
	}
	os.Exit(1)
}
