package server

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/fault"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a ledger failure to a gRPC status. The message is prefixed
// with the stable fault code so clients can branch on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codeOf(err), fault.CodeOf(err)+": "+err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, core.ErrPolicyNotFound), errors.Is(err, core.ErrClaimNotFound):
		return codes.NotFound
	case errors.Is(err, core.ErrDuplicateRequest):
		return codes.AlreadyExists
	case errors.Is(err, core.ErrExecutorStopped):
		return codes.Unavailable
	}

	switch fault.KindOf(err) {
	case fault.KindValidation:
		return codes.InvalidArgument
	case fault.KindAuthorization:
		return codes.PermissionDenied
	case fault.KindState:
		return codes.FailedPrecondition
	case fault.KindInsufficientFunds:
		return codes.ResourceExhausted
	case fault.KindTransfer:
		return codes.Aborted
	case fault.KindArithmetic:
		return codes.OutOfRange
	case fault.KindReentrancy:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
