// Package logger is the component logger used across oncerelay.
//
// Every line carries a component name ("relay", "lifecycle", "whatsapp", ...)
// and optional structured fields. Output goes through zerolog, either as
// human-readable console lines or as JSON.
package logger

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps "debug", "info", "warn", "error" and "fatal" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Options configures the global sink.
type Options struct {
	Level LogLevel
	// WhatsAppLevel filters whatsmeow's internal logs independently.
	WhatsAppLevel LogLevel
	JSON          bool
	Output        io.Writer
}

var (
	mu      sync.RWMutex
	base    = newBase(Options{Level: INFO, WhatsAppLevel: WARN})
	level   = INFO
	waLevel = WARN
)

func newBase(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Configure replaces the global sink.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()
	base = newBase(opts)
	level = opts.Level
	waLevel = opts.WhatsAppLevel
}

func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

func logMessage(l LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	lg := base
	threshold := level
	mu.RUnlock()

	if l < threshold {
		return
	}

	// FATAL never exits the process here.
	zl := l.zerolog()
	if zl == zerolog.FatalLevel {
		zl = zerolog.ErrorLevel
	}
	evt := lg.WithLevel(zl)
	if component != "" {
		evt = evt.Str("component", component)
	}
	if len(fields) > 0 {
		evt = evt.Fields(fields)
	}
	evt.Msg(message)
}

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string) { logMessage(INFO, component, message, nil) }
func WarnC(component, message string) { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }
func FatalC(component, message string) { logMessage(FATAL, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

// Recover logs a panic in the calling goroutine and swallows it.
// Use it as `defer logger.Recover("component")`.
func Recover(component string) {
	if r := recover(); r != nil {
		ErrorCF(component, "Recovered from panic", map[string]any{
			"panic": fmt.Sprint(r),
			"stack": string(debug.Stack()),
		})
	}
}

// Go runs fn in a new goroutine guarded by Recover.
func Go(component string, fn func()) {
	go func() {
		defer Recover(component)
		fn()
	}()
}

// WhatsApp returns a whatsmeow logger writing to the same sink.
func WhatsApp(module string) waLog.Logger {
	mu.RLock()
	lg := base.Level(waLevel.zerolog())
	mu.RUnlock()
	return waLog.Zerolog(lg.With().Str("component", "whatsmeow").Str("module", module).Logger())
}
