// Package kernlog is a minimal leveled logger for boot-time and
// page-table diagnostics. The distilled spec says nothing about logging,
// but the original Redox rmm.rs (original_source/src/arch/x86/rmm.rs) logs
// every area merge, and the teacher's mem/dmap.go and mem/mem.go print
// boot diagnostics with fmt.Printf. A freestanding kernel cannot import a
// logging framework that depends on os or reflection-heavy formatting
// before the console driver exists, so this writes through a caller-
// supplied io.Writer (console, serial port, or a bytes.Buffer in tests).
package kernlog

import (
	"fmt"
	"io"
	"sync"
)

// Level orders log severity, least to most important.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Fatal
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Fatal:
		return "fatal"
	default:
		return "?"
	}
}

// Logger serializes writes to a single sink under a mutex, since boot and
// page-fault paths can run on multiple CPUs concurrently.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	min Level
}

// New returns a Logger writing lines at level min or above to out.
func New(out io.Writer, min Level) *Logger {
	return &Logger{out: out, min: min}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] ", level)
	fmt.Fprintf(l.out, format, args...)
	fmt.Fprintln(l.out)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(Warn, format, args...) }

// Fatalf logs at Fatal level and panics with the formatted message. Per
// spec.md §7, normalizer and early-boot mapper failures are fatal: there is
// no recovery path, so panicking here is the contract, not a bug.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log(Fatal, "%s", msg)
	panic(msg)
}

// Discard is a Logger that drops everything; useful as a test default.
var Discard = New(io.Discard, Fatal+1)
