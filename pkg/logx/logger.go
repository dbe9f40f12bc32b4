package logx

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field adds one key to an event. When a key is set twice the later
// field wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field           { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field          { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field      { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field    { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field        { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field  { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err records err under "err". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack records a captured stack trace; blank stacks are skipped.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Span adds trace_id and span_id when ctx carries a valid span, so log
// lines can be joined with traces.
func Span(ctx context.Context) Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	tid, sid := sc.TraceID().String(), sc.SpanID().String()
	return func(e *zerolog.Event) { e.Str("trace_id", tid).Str("span_id", sid) }
}

// root yields the zerolog logger to write through. A Service swaps its
// root on Apply, so loggers derived from it follow config changes.
type root interface {
	current() zerolog.Logger
}

type fixedRoot struct{ zl zerolog.Logger }

func (r fixedRoot) current() zerolog.Logger { return r.zl }

// Logger is a structured logger carrying fixed fields. The zero value
// discards everything.
type Logger struct {
	root   root
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{} }

// NewConsole creates a standalone human-readable logger on stdout, for use
// before a Service exists.
func NewConsole(level string) Logger {
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(newConsoleWriter(os.Stdout)).
		Level(ParseLevel(level, LevelInfo)).
		With().Timestamp().Logger()
	return Logger{root: fixedRoot{zl}}
}

// NewWriter builds a JSON logger over w. Tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(ParseLevel(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{root: fixedRoot{zl}}
}

// Enabled reports whether a line at level would be written. Use it to
// skip building expensive fields.
func (l Logger) Enabled(level Level) bool {
	if l.root == nil {
		return false
	}
	zl := l.root.current()
	return level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

// Ctx returns l with the span in ctx attached, or l unchanged.
func (l Logger) Ctx(ctx context.Context) Logger {
	if f := Span(ctx); f != nil {
		return l.With(f)
	}
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l Logger) log(level Level, msg string, fields []Field) {
	if l.root == nil {
		return
	}
	zl := l.root.current()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [2][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ParseLevel maps a level name to a Level, falling back to def for blank
// or unknown names. "warning" is accepted as warn.
func ParseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
