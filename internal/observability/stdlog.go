package observability

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// StdLogger writes structured entries through a standard library logger as
// `LEVEL msg key=value ...` lines.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps the provided log.Logger. Debug entries are dropped unless
// debug is true.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	if out == nil {
		out = log.Default()
	}
	return &StdLogger{out: out, debug: debug}
}

// Debug logs a debug entry.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info logs an informational entry.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

// Error logs an error entry.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(f.Value))
	}
	l.out.Print(b.String())
}

func formatValue(v any) string {
	switch typed := v.(type) {
	case string:
		if typed == "" || strings.ContainsAny(typed, " \t\"=") {
			return strconv.Quote(typed)
		}
		return typed
	case error:
		return strconv.Quote(typed.Error())
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}
