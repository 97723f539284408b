package corerpc

import (
	"context"

	"google.golang.org/grpc/status"

	"github.com/nexusrpc/corerpc/wire"
)

// statusFromError extracts a wire status code and message from err.
// Handlers are expected to return errors built with status.Errorf when
// they want to signal a specific code; context.Canceled/DeadlineExceeded
// (e.g. a handler that simply returns ctx.Err() once SetCancelHook fires)
// map to their matching status; any other error is reported as INTERNAL
// with its own message.
func statusFromError(err error) (code wire.StatusCode, message string) {
	if err == nil {
		return wire.OK, ""
	}
	err = translateContextError(err)
	if s, ok := status.FromError(err); ok {
		return s.Code(), s.Message()
	}
	return wire.Internal, err.Error()
}

// translateContextError converts context package sentinel errors to the
// equivalent wire status.
func translateContextError(err error) error {
	switch err {
	case context.DeadlineExceeded:
		return status.Error(wire.DeadlineExceeded, err.Error())
	case context.Canceled:
		return status.Error(wire.Canceled, err.Error())
	default:
		return err
	}
}

// CallError is the caller-visible error for a non-OK terminal status.
type CallError struct {
	Code    wire.StatusCode
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// StatusCode reports e's code, satisfying the informal "has a status
// code" convention status.FromError also recognises via GRPCStatus.
func (e *CallError) StatusCode() wire.StatusCode { return e.Code }

// GRPCStatus lets status.FromError(err) recognise a *CallError, so
// callers that already depend on google.golang.org/grpc/status can use
// its idioms against errors returned by this package.
func (e *CallError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}
