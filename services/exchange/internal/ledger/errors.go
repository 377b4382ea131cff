package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrConstraintViolation     = errors.New("constraint violation")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientAsset       = errors.New("insufficient asset")
	ErrInsufficientLockedFunds = errors.New("insufficient locked funds")
	ErrInsufficientLockedAsset = errors.New("insufficient locked asset")
	ErrInvalidState            = errors.New("invalid order state")
	ErrForbidden               = errors.New("forbidden")
)

var (
	ErrUserNotFound         = fmt.Errorf("user %w", ErrNotFound)
	ErrAssetNotFound        = fmt.Errorf("asset %w", ErrNotFound)
	ErrOrderNotFound        = fmt.Errorf("order %w", ErrNotFound)
	ErrNotificationNotFound = fmt.Errorf("notification %w", ErrNotFound)
)
