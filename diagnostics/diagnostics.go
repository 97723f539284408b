// Package diagnostics wires the structured logging adapters an Endpoint
// uses for its debug-label/log output, built on logiface's generic
// typed-Event Logger plus the stumpy backend.
package diagnostics

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/nexusrpc/corerpc/wire"
)

// Logger is the structured logging handle passed to WithDiagnostics.
// It is exactly logiface's generic Logger parameterised over stumpy's
// Event type, so any logiface.Option[*stumpy.Event] (including
// stumpy.L.WithWriter, stumpy.L.WithLevel, stumpy.L.WithStumpy) composes
// directly with New.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger backed by stumpy, following the construction
// pattern from logiface-stumpy's own example: stumpy.L.New(options...).
func New(opts ...logiface.Option[*stumpy.Event]) *Logger {
	return stumpy.L.New(opts...)
}

// Nop is a Logger with logging disabled outright, the default for an
// Endpoint that was not given WithDiagnostics.
func Nop() *Logger {
	return stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))
}

// CallStarted logs an outbound (caller-side) or inbound (responder-side)
// call beginning, tagged with the endpoint's debug label if any.
func CallStarted(l *Logger, debugLabel, service, method string, side wire.Role) {
	l.Debug().
		Str(`endpoint`, debugLabel).
		Str(`service`, service).
		Str(`method`, method).
		Str(`side`, side.String()).
		Log(`call started`)
}

// CallFinished logs a call's terminal status.
func CallFinished(l *Logger, debugLabel, service, method string, side wire.Role, code wire.StatusCode, message string) {
	b := l.Debug()
	if code != wire.OK {
		b = l.Warning()
	}
	b.Str(`endpoint`, debugLabel).
		Str(`service`, service).
		Str(`method`, method).
		Str(`side`, side.String()).
		Int64(`status`, int64(code)).
		Str(`message`, message).
		Log(`call finished`)
}

// MethodNotFound logs a dispatch miss.
func MethodNotFound(l *Logger, debugLabel, service, method string) {
	l.Warning().
		Str(`endpoint`, debugLabel).
		Str(`service`, service).
		Str(`method`, method).
		Log(`method not implemented`)
}

// TransportClosed logs the endpoint's transport tearing down.
func TransportClosed(l *Logger, debugLabel string, err error) {
	b := l.Info()
	if err != nil {
		b = l.Err().Err(err)
	}
	b.Str(`endpoint`, debugLabel).Log(`transport closed`)
}

// MiddlewareError logs a middleware hook returning an error.
func MiddlewareError(l *Logger, debugLabel, service, method string, err error) {
	l.Err().
		Str(`endpoint`, debugLabel).
		Str(`service`, service).
		Str(`method`, method).
		Err(err).
		Log(`middleware error`)
}
