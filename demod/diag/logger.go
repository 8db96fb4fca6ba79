package diag

import (
	"fmt"
	"io"
	"log"
	"sync/atomic"
)

// Logger is the leveled diagnostics sink handed to every engine component.
// Lines use the same prefixes as the server logs ("DEBUG:", "Warning:", "ERROR:")
// and an optional component tag.
type Logger struct {
	out   *log.Logger
	tag   string
	debug *atomic.Bool
}

// New wraps out. A nil out writes to the standard logger.
func New(out *log.Logger, debug bool) *Logger {
	if out == nil {
		out = log.Default()
	}
	d := &atomic.Bool{}
	d.Store(debug)
	return &Logger{out: out, debug: d}
}

// Discard returns a logger that drops everything, used by tests and sweeps.
func Discard() *Logger {
	return New(log.New(io.Discard, "", 0), false)
}

// With returns a logger sharing the same sink and debug switch with a component tag.
func (l *Logger) With(tag string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, tag: tag, debug: l.debug}
}

// SetDebug toggles debug output for this logger and all loggers derived from it.
func (l *Logger) SetDebug(on bool) {
	if l == nil {
		return
	}
	l.debug.Store(on)
}

func (l *Logger) DebugEnabled() bool {
	return l != nil && l.debug.Load()
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.emit("DEBUG: ", format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.emit("", format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.emit("Warning: ", format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.emit("ERROR: ", format, args...)
}

func (l *Logger) emit(level, format string, args ...interface{}) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.tag != "" {
		l.out.Printf("%s[%s] %s", level, l.tag, msg)
		return
	}
	l.out.Printf("%s%s", level, msg)
}
