package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// errorDomain tags the ErrorInfo detail attached to every failed call.
const errorDomain = "branchsim"

// CodeFor maps a store error to its gRPC status code.
func CodeFor(err error) codes.Code {
	switch {
	case errors.Is(err, storeerr.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, storeerr.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, storeerr.ErrInvalidBranchPoint), errors.Is(err, storeerr.ErrRunNotActive):
		return codes.FailedPrecondition
	case errors.Is(err, storeerr.ErrSequenceConflict):
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// toStatus converts err into a status error carrying the wire error code as
// an ErrorInfo reason, so clients can tell the two FailedPrecondition cases
// apart.
func toStatus(err error) error {
	st := status.New(CodeFor(err), err.Error())
	if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: api.ErrorCode(err),
		Domain: errorDomain,
	}); derr == nil {
		st = withInfo
	}
	return st.Err()
}

var sentinels = map[string]error{
	api.CodeNotFound:           storeerr.ErrNotFound,
	api.CodeValidation:         storeerr.ErrValidation,
	api.CodeInvalidBranchPoint: storeerr.ErrInvalidBranchPoint,
	api.CodeRunNotActive:       storeerr.ErrRunNotActive,
	api.CodeSequenceConflict:   storeerr.ErrSequenceConflict,
}

// fromStatus rebuilds a store error on the client side so callers can use
// errors.Is with the storeerr sentinels.
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		if sentinel, ok := sentinels[info.GetReason()]; ok {
			return fmt.Errorf("%s rpc: %s: %w", method, st.Message(), sentinel)
		}
	}
	return fmt.Errorf("%s rpc: %w", method, err)
}
