package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
)

// Reader holds the plain finders used by read-only call sites. Nothing
// returned by a Reader may drive a ledger mutation without being re-read
// under lock inside a Tx.
type Reader interface {
	GetUser(ctx context.Context, userID int64) (User, error)
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	GetAsset(ctx context.Context, userID int64, symbol string) (Asset, error)
	ListAssets(ctx context.Context, userID int64) ([]Asset, error)
	ListOpenOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	ListUserOrders(ctx context.Context, userID int64) ([]Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	ListNotifications(ctx context.Context, userID int64, limit int) ([]Notification, int, error)
	MarkNotificationRead(ctx context.Context, userID int64, id uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error)
}

// Store runs fn inside a single all-or-nothing transaction. fn's error is
// returned unchanged and the transaction is rolled back.
type Store interface {
	Reader
	NotificationStore
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the lock-aware view of the ledger inside a transaction. Mutations
// must only be applied to rows previously read with a ForUpdate finder.
type Tx interface {
	GetUserForUpdate(ctx context.Context, userID int64) (User, error)
	IncrementBalance(ctx context.Context, userID int64, amount money.Decimal) error
	DecrementBalance(ctx context.Context, userID int64, amount money.Decimal) error

	GetAssetForUpdate(ctx context.Context, userID int64, symbol string) (Asset, error)
	GetOrCreateAssetForUpdate(ctx context.Context, userID int64, symbol string) (Asset, error)
	// LockAssetAmount moves amount from available to locked.
	LockAssetAmount(ctx context.Context, userID int64, symbol string, amount money.Decimal) error
	// UnlockAssetAmount moves amount from locked back to available.
	UnlockAssetAmount(ctx context.Context, userID int64, symbol string, amount money.Decimal) error
	DebitLockedAsset(ctx context.Context, userID int64, symbol string, amount money.Decimal) error
	CreditAsset(ctx context.Context, userID int64, symbol string, amount money.Decimal) error

	CreateOrder(ctx context.Context, order Order) (Order, error)
	GetOrderForUpdate(ctx context.Context, orderID int64) (Order, error)
	// FindCounterOrderForUpdate returns the earliest OPEN order on the
	// opposite side with the same symbol and amount whose price crosses
	// order's price, or ErrOrderNotFound.
	FindCounterOrderForUpdate(ctx context.Context, order Order) (Order, error)
	// UpdateOrderStatus zeroes locked_usd whenever status is not OPEN.
	UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) (Order, error)

	CreateTrade(ctx context.Context, trade Trade) (Trade, error)
}

// Crosses reports whether a resting order at makerPrice is eligible for an
// incoming order on side at price.
func Crosses(side Side, price, makerPrice money.Decimal) bool {
	if side == SideBuy {
		return makerPrice.LessThanOrEqual(price)
	}
	return makerPrice.GreaterThanOrEqual(price)
}
