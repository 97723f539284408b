package wire

import (
	"strconv"

	"google.golang.org/grpc/codes"
)

// StatusCode is the terminal status of a call. It is an alias of
// grpc's codes.Code: OK through UNAUTHENTICATED are exactly grpc's own
// enumeration, so we reuse the real type rather than redeclare an
// equivalent one.
type StatusCode = codes.Code

// The status codes enumerated, aliased from codes.Code.
const (
	OK                 = codes.OK
	Canceled           = codes.Canceled
	Unknown            = codes.Unknown
	InvalidArgument    = codes.InvalidArgument
	DeadlineExceeded   = codes.DeadlineExceeded
	NotFound           = codes.NotFound
	AlreadyExists      = codes.AlreadyExists
	PermissionDenied   = codes.PermissionDenied
	ResourceExhausted  = codes.ResourceExhausted
	FailedPrecondition = codes.FailedPrecondition
	Aborted            = codes.Aborted
	OutOfRange         = codes.OutOfRange
	Unimplemented      = codes.Unimplemented
	Internal           = codes.Internal
	Unavailable        = codes.Unavailable
	DataLoss           = codes.DataLoss
	Unauthenticated    = codes.Unauthenticated
)

func parseStatusCode(s string) (StatusCode, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return Unknown, err
	}
	return StatusCode(n), nil
}
