package cqlcore

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LogLevel controls the verbosity of a Logger.
type LogLevel int8

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

// Logger is the logging contract threaded through every component via the
// client config. keyvals is an alternating key/value list, following the
// zerolog/structured-logging convention: Log(LogLevelDebug, "opening
// connection", "addr", addr, "id", nodeID).
type Logger interface {
	Level() LogLevel
	Log(level LogLevel, msg string, keyvals ...any)
}

// nopLogger discards everything. It is the client default so that driver
// internals never write to stdout/stderr unless a caller opts in.
type nopLogger struct{}

func (nopLogger) Level() LogLevel              { return LogLevelNone }
func (nopLogger) Log(LogLevel, string, ...any) {}

// NopLogger returns a Logger that discards all log lines.
func NopLogger() Logger { return nopLogger{} }

// zeroLogger adapts zerolog.Logger to the Logger interface. zerolog is the
// logging library already used by this protocol's other Go client
// (datastax/go-cassandra-native-protocol) for exactly this job.
type zeroLogger struct {
	level LogLevel
	zl    zerolog.Logger
}

// NewZerologLogger builds a Logger backed by zerolog, writing to w (or
// os.Stderr if w is nil) at the given level.
func NewZerologLogger(level LogLevel, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zeroLogger{
		level: level,
		zl:    zerolog.New(w).With().Timestamp().Logger(),
	}
}

func (z *zeroLogger) Level() LogLevel { return z.level }

func (z *zeroLogger) Log(level LogLevel, msg string, keyvals ...any) {
	if level > z.level {
		return
	}
	var ev *zerolog.Event
	switch level {
	case LogLevelError:
		ev = z.zl.Error()
	case LogLevelWarn:
		ev = z.zl.Warn()
	case LogLevelInfo:
		ev = z.zl.Info()
	default:
		ev = z.zl.Debug()
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}

// basicLogger is a dependency-free fallback used by tests: it writes
// "LEVEL msg key=val key=val" lines to an io.Writer.
type basicLogger struct {
	level LogLevel
	w     io.Writer
}

// NewBasicLogger returns a minimal Logger with no third-party dependency,
// intended for tests that want to assert on raw log text.
func NewBasicLogger(level LogLevel, w io.Writer) Logger {
	return &basicLogger{level: level, w: w}
}

func (b *basicLogger) Level() LogLevel { return b.level }

func (b *basicLogger) Log(level LogLevel, msg string, keyvals ...any) {
	if level > b.level || b.w == nil {
		return
	}
	line := level.String() + " " + msg
	for i := 0; i+1 < len(keyvals); i += 2 {
		line += " " + toString(keyvals[i]) + "=" + toString(keyvals[i+1])
	}
	io.WriteString(b.w, line+"\n")
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(v)
	}
}
