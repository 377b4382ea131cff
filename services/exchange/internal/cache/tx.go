package cache

import (
	"context"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

type touchSet struct {
	orders map[int64]struct{}
	users  map[int64]struct{}
	books  map[string]struct{}
	trades map[string]struct{}
}

func newTouchSet() *touchSet {
	return &touchSet{
		orders: make(map[int64]struct{}),
		users:  make(map[int64]struct{}),
		books:  make(map[string]struct{}),
		trades: make(map[string]struct{}),
	}
}

func (t *touchSet) order(o ledger.Order) {
	t.orders[o.ID] = struct{}{}
	t.users[o.UserID] = struct{}{}
	t.books[o.Symbol] = struct{}{}
}

// recordingTx notes which cached views a transaction's writes affect.
type recordingTx struct {
	ledger.Tx
	touched *touchSet
}

func (r *recordingTx) CreateOrder(ctx context.Context, order ledger.Order) (ledger.Order, error) {
	created, err := r.Tx.CreateOrder(ctx, order)
	if err == nil {
		r.touched.order(created)
	}
	return created, err
}

func (r *recordingTx) UpdateOrderStatus(ctx context.Context, orderID int64, status ledger.OrderStatus) (ledger.Order, error) {
	updated, err := r.Tx.UpdateOrderStatus(ctx, orderID, status)
	if err == nil {
		r.touched.order(updated)
	}
	return updated, err
}

func (r *recordingTx) CreateTrade(ctx context.Context, trade ledger.Trade) (ledger.Trade, error) {
	created, err := r.Tx.CreateTrade(ctx, trade)
	if err == nil {
		r.touched.trades[created.Symbol] = struct{}{}
	}
	return created, err
}
