// Package logging wraps github.com/charmbracelet/log to give every
// long-lived component a leveled, component-tagged logger — the Go-idiom
// replacement for samoyed's text_color_set/dw_printf console printer
// (itself carried over from the original C's colored terminal output).
package logging

import (
	"fmt"
	"io"
	"os"

	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// nowFunc is overridable in tests.
var nowFunc = time.Now

// Logger tags every line with a component name and, where relevant, a
// client ID, mirroring the original implementation's LABELS{"proto"} tags.
type Logger struct {
	base *log.Logger
}

// New builds the root logger, writing to w at the given level.
func New(w io.Writer, level log.Level) *Logger {
	l := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
	})

	return &Logger{base: l}
}

// Default builds a root logger writing to stderr at info level.
func Default() *Logger {
	return New(os.Stderr, log.InfoLevel)
}

// With returns a child logger with additional key/value context attached,
// e.g. logger.With("component", "proto", "client", id).
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{base: l.base.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.base.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)   { l.base.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)   { l.base.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any)  { l.base.Error(msg, kv...) }

// SessionTracer writes a flat trace of protocol events prefixed by an
// optional strftime-pattern timestamp, for ad-hoc debugging of a single
// client's session — an ambient diagnostic aid, not a spec requirement,
// grounded on tq.go/xmit.go's use of lestrrat-go/strftime for the same
// purpose in the teacher repo.
type SessionTracer struct {
	w       io.Writer
	pattern string
}

// NewSessionTracer builds a tracer. An empty pattern disables the
// timestamp prefix.
func NewSessionTracer(w io.Writer, pattern string) (*SessionTracer, error) {
	if pattern != "" {
		if _, err := strftime.Format(pattern, nowFunc()); err != nil {
			return nil, fmt.Errorf("logging: invalid strftime pattern %q: %w", pattern, err)
		}
	}

	return &SessionTracer{w: w, pattern: pattern}, nil
}

func (t *SessionTracer) Trace(clientID, line string) {
	if t.pattern == "" {
		fmt.Fprintf(t.w, "[%s] %s\n", clientID, line)

		return
	}

	formatted, err := strftime.Format(t.pattern, nowFunc())
	if err != nil {
		formatted = ""
	}

	fmt.Fprintf(t.w, "%s [%s] %s\n", formatted, clientID, line)
}
