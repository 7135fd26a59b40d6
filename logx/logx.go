// Package logx is a small leveled logger used throughout libifdse.
//
// It mirrors the three verbosity levels the original C driver used
// (PCSC_LOG_DEBUG/INFO/ERROR via Log1/Log2/Log3 macros) on top of the
// standard library's log.Logger, since none of the example drivers this
// module is built from pull in a third-party logging library.
package logx

import (
	"fmt"
	"log"
	"os"
)

// Level is a verbosity level, ordered from least to most severe.
type Level int

const (
	Debug Level = iota
	Info
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a leveled wrapper around *log.Logger.
type Logger struct {
	out   *log.Logger
	level Level
}

// New returns a Logger writing to os.Stderr at the given minimum level.
func New(level Level) *Logger {
	return &Logger{out: log.New(os.Stderr, "", log.LstdFlags), level: level}
}

// Default is the package-level logger used by callers that don't carry
// their own Logger around (mirrors the original driver's single global
// debuglog sink).
var Default = New(Info)

func (l *Logger) log(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	l.out.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}

// Debugf logs at Debug level.
func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, format, args...) }

// Infof logs at Info level.
func (l *Logger) Infof(format string, args ...any) { l.log(Info, format, args...) }

// Errorf logs at Error level.
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, format, args...) }

// Xxd logs a labeled hex dump of buf at Info level, mirroring the
// original driver's LogXxd helper used to trace raw ATR/APDU bytes.
func (l *Logger) Xxd(label string, buf []byte) {
	if l == nil || Info < l.level {
		return
	}
	l.Infof("%s% x", label, buf)
}
