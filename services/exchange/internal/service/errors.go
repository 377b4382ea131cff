package service

import (
	"context"
	"errors"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/validation"
)

// ErrorReason classifies err into a low-cardinality label.
func ErrorReason(err error) string {
	if _, ok := validation.IsValidation(err); ok {
		return "validation"
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientAsset):
		return "insufficient_asset"
	case errors.Is(err, ledger.ErrInsufficientLockedFunds):
		return "insufficient_locked_funds"
	case errors.Is(err, ledger.ErrInsufficientLockedAsset):
		return "insufficient_locked_asset"
	case errors.Is(err, ledger.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ledger.ErrForbidden):
		return "forbidden"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
