// Package logger provides a thin wrapper around zerolog.Logger used
// throughout notekeep for structured, leveled logging of sync activity,
// decrypt failures, and conflict resolution.
package logger

import (
	"context"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger embeds zerolog.Logger so the full zerolog API is available
// directly on *Logger, while letting notekeep attach its own helpers.
type Logger struct {
	zerolog.Logger
}

// New constructs a *Logger for the given subsystem label (e.g. "syncmgr",
// "modelmgr"), writing JSON records to w with a "component" field and a
// function-name caller field.
func New(component string, w *os.File) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		if fn := runtime.FuncForPC(pc); fn != nil {
			return fn.Name()
		}
		return file
	}
	zerolog.CallerFieldName = "func"

	l := zerolog.New(w).With().
		Str("component", component).
		Timestamp().
		Caller().
		Logger()

	return &Logger{l}
}

// Nop returns a *Logger that discards all output. Used by default in tests
// and by callers that have not wired a concrete sink.
func Nop() *Logger {
	return &Logger{zerolog.Nop()}
}

// Child returns a new *Logger inheriting the receiver's fields, letting a
// caller attach request- or item-scoped context (e.g. "uuid") without
// mutating the parent.
func (l *Logger) Child() *Logger {
	return &Logger{l.With().Logger()}
}

// FromContext extracts the zerolog.Logger attached to ctx via zerolog's
// log.Ctx. If none was attached it returns zerolog.DefaultContextLogger,
// or a disabled logger when that is nil as well.
func FromContext(ctx context.Context) *Logger {
	return &Logger{*log.Ctx(ctx)}
}
