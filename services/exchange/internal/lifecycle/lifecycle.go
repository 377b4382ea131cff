package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

// OPEN may move to FILLED or CANCELLED; both are terminal.
var transitions = map[ledger.OrderStatus][]ledger.OrderStatus{
	ledger.StatusOpen: {ledger.StatusFilled, ledger.StatusCancelled},
}

func CanTransition(from, to ledger.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(status ledger.OrderStatus) bool {
	return len(transitions[status]) == 0
}

// Releaser returns an order's reservation to its owner.
type Releaser interface {
	Release(ctx context.Context, tx ledger.Tx, order ledger.Order) error
}

type Manager struct {
	releaser Releaser
	logger   *slog.Logger
}

func NewManager(releaser Releaser, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{releaser: releaser, logger: logger}
}

// Cancel locks the order, unwinds its reservation and marks it CANCELLED.
// If ownerID is non-zero the order must belong to that user.
func (m *Manager) Cancel(ctx context.Context, tx ledger.Tx, orderID, ownerID int64) (ledger.Order, error) {
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return ledger.Order{}, err
	}
	if ownerID != 0 && order.UserID != ownerID {
		return ledger.Order{}, fmt.Errorf("order %d: %w", orderID, ledger.ErrForbidden)
	}
	if !CanTransition(order.Status, ledger.StatusCancelled) {
		return ledger.Order{}, fmt.Errorf("cancel order %d in state %s: %w", orderID, order.Status, ledger.ErrInvalidState)
	}

	if err := m.releaser.Release(ctx, tx, order); err != nil {
		return ledger.Order{}, fmt.Errorf("release order %d: %w", orderID, err)
	}

	cancelled, err := tx.UpdateOrderStatus(ctx, orderID, ledger.StatusCancelled)
	if err != nil {
		return ledger.Order{}, fmt.Errorf("mark cancelled: %w", err)
	}

	m.logger.Debug("order cancelled",
		slog.Int64("order_id", orderID),
		slog.String("side", string(order.Side)),
	)
	return cancelled, nil
}
