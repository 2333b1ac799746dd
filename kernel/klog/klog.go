// Package klog layers five severity levels (Error, Warning, Info, Debug,
// Trace) on top of kfmt/early's zero-allocation Printf, gated by a
// package-level threshold read from the kernel command line's
// "-log-level=" token. Once Init attaches the serial UART, every logged
// line reaches both the VGA console and the 16550.
package klog

import (
	"strings"

	"github.com/ophion-os/ophion/kernel/driver/serial"
	"github.com/ophion-os/ophion/kernel/kfmt/early"
)

// Level is one of the five severities the cmdline token can select.
type Level uint8

// The five recognized severities, most to least urgent.
const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

// DefaultLevel is used when "-log-level=" is absent or names an unknown
// value; unknown values additionally log a warning.
const DefaultLevel = LevelInfo

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "?"
	}
}

// ParseLevel maps a "-log-level=" token value to a Level. ok is false for
// any value that isn't one of the five recognized names.
func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(value) {
	case "error":
		return LevelError, true
	case "warning":
		return LevelWarning, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	case "trace":
		return LevelTrace, true
	default:
		return DefaultLevel, false
	}
}

// threshold is the maximum verbosity currently logged.
var threshold = DefaultLevel

// SetLevel changes the logging threshold.
func SetLevel(l Level) { threshold = l }

// fanout broadcasts every Write/WriteByte to both the VGA console (whatever
// early.Out already pointed at, normally hal.ActiveTerminal) and the 16550
// serial UART.
type fanout struct {
	vga  early.Sink
	uart *serial.UART16550
}

func (f *fanout) Write(p []byte) (int, error) {
	f.vga.Write(p)
	f.uart.Write(p)
	return len(p), nil
}

func (f *fanout) WriteByte(b byte) error {
	_ = f.vga.WriteByte(b)
	return f.uart.WriteByte(b)
}

// Init attaches the serial UART as a second logging backend alongside
// whatever VGA sink early.Out is already pointed at. Called once during
// bring-up, after hal.InitTerminal.
func Init(uart *serial.UART16550) {
	uart.Init()
	early.Out = &fanout{vga: early.Out, uart: uart}
}

func logf(l Level, format string, args ...interface{}) {
	if l > threshold {
		return
	}
	early.Printf("["+l.String()+"] "+format, args...)
}

// Error logs at LevelError. Always visible: Error is the most urgent
// level, and no "-log-level=" value can gate it off.
func Error(format string, args ...interface{}) { logf(LevelError, format, args...) }

// Warning logs at LevelWarning.
func Warning(format string, args ...interface{}) { logf(LevelWarning, format, args...) }

// Info logs at LevelInfo.
func Info(format string, args ...interface{}) { logf(LevelInfo, format, args...) }

// Debug logs at LevelDebug.
func Debug(format string, args ...interface{}) { logf(LevelDebug, format, args...) }

// Trace logs at LevelTrace.
func Trace(format string, args ...interface{}) { logf(LevelTrace, format, args...) }
