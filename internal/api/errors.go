package api

import (
	"errors"

	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// Wire error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidBranchPoint = "INVALID_BRANCH_POINT"
	CodeRunNotActive       = "RUN_NOT_ACTIVE"
	CodeSequenceConflict   = "SEQUENCE_CONFLICT"
	CodeInternal           = "INTERNAL"
)

// ErrorCode classifies err by the store sentinel it wraps.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, storeerr.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, storeerr.ErrValidation):
		return CodeValidation
	case errors.Is(err, storeerr.ErrInvalidBranchPoint):
		return CodeInvalidBranchPoint
	case errors.Is(err, storeerr.ErrRunNotActive):
		return CodeRunNotActive
	case errors.Is(err, storeerr.ErrSequenceConflict):
		return CodeSequenceConflict
	default:
		return CodeInternal
	}
}
