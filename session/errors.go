package session

import "github.com/ghettovoice/sipua/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrEngineClosed     Error = "engine closed"
)

// Account errors.
const (
	ErrAccountNotFound Error = "account not found"
	ErrAccountExists   Error = "account already exists"
)

// Call errors.
const (
	ErrCallNotFound       Error = "call not found"
	ErrCallExists         Error = "call already exists"
	ErrCallRegistryClosed Error = "call registry closed"
)

// Error represents an engine error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
