package ledgertest

import (
	"context"
	"fmt"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

type tx struct {
	st     *state
	locked map[string]bool
	trace  []string
}

var _ ledger.Tx = (*tx)(nil)

func userLock(id int64) string { return fmt.Sprintf("user:%d", id) }
func orderLock(id int64) string { return fmt.Sprintf("order:%d", id) }
func assetLock(userID int64, symbol string) string {
	return fmt.Sprintf("asset:%d:%s", userID, symbol)
}

func (t *tx) lock(key string) {
	if t.locked[key] {
		return
	}
	t.locked[key] = true
	t.trace = append(t.trace, key)
}

func (t *tx) requireLock(key string) error {
	if !t.locked[key] {
		return fmt.Errorf("%s: %w", key, ErrNotLocked)
	}
	return nil
}

func constraint(name string) error {
	return fmt.Errorf("%s: %w", name, ledger.ErrConstraintViolation)
}

func (t *tx) GetUserForUpdate(ctx context.Context, userID int64) (ledger.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	t.lock(userLock(userID))
	return u, nil
}

func (t *tx) adjustBalance(userID int64, delta money.Decimal) error {
	if err := t.requireLock(userLock(userID)); err != nil {
		return err
	}
	u, ok := t.st.users[userID]
	if !ok {
		return ledger.ErrUserNotFound
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return constraint("users_balance_non_negative")
	}
	u.Balance = next
	u.UpdatedAt = t.st.now()
	t.st.users[userID] = u
	return nil
}

func (t *tx) IncrementBalance(ctx context.Context, userID int64, amount money.Decimal) error {
	return t.adjustBalance(userID, amount)
}

func (t *tx) DecrementBalance(ctx context.Context, userID int64, amount money.Decimal) error {
	return t.adjustBalance(userID, money.Zero.Sub(amount))
}

func (t *tx) GetAssetForUpdate(ctx context.Context, userID int64, symbol string) (ledger.Asset, error) {
	a, ok := t.st.assets[assetKey{userID, symbol}]
	if !ok {
		return ledger.Asset{}, ledger.ErrAssetNotFound
	}
	t.lock(assetLock(userID, symbol))
	return a, nil
}

func (t *tx) GetOrCreateAssetForUpdate(ctx context.Context, userID int64, symbol string) (ledger.Asset, error) {
	if _, ok := t.st.users[userID]; !ok {
		return ledger.Asset{}, ledger.ErrUserNotFound
	}
	key := assetKey{userID, symbol}
	a, ok := t.st.assets[key]
	if !ok {
		now := t.st.now()
		a = ledger.Asset{ID: t.st.nextID(), UserID: userID, Symbol: symbol, CreatedAt: now, UpdatedAt: now}
		t.st.assets[key] = a
	}
	t.lock(assetLock(userID, symbol))
	return a, nil
}

func (t *tx) adjustAsset(userID int64, symbol string, availableDelta, lockedDelta money.Decimal) error {
	if err := t.requireLock(assetLock(userID, symbol)); err != nil {
		return err
	}
	key := assetKey{userID, symbol}
	a, ok := t.st.assets[key]
	if !ok {
		return ledger.ErrAssetNotFound
	}
	amount := a.Amount.Add(availableDelta)
	locked := a.LockedAmount.Add(lockedDelta)
	if amount.IsNegative() {
		return constraint("assets_amount_non_negative")
	}
	if locked.IsNegative() {
		return constraint("assets_locked_amount_non_negative")
	}
	a.Amount = amount
	a.LockedAmount = locked
	a.UpdatedAt = t.st.now()
	t.st.assets[key] = a
	return nil
}

func (t *tx) LockAssetAmount(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.adjustAsset(userID, symbol, money.Zero.Sub(amount), amount)
}

func (t *tx) UnlockAssetAmount(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.adjustAsset(userID, symbol, amount, money.Zero.Sub(amount))
}

func (t *tx) DebitLockedAsset(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.adjustAsset(userID, symbol, money.Zero, money.Zero.Sub(amount))
}

func (t *tx) CreditAsset(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.adjustAsset(userID, symbol, amount, money.Zero)
}

func (t *tx) CreateOrder(ctx context.Context, order ledger.Order) (ledger.Order, error) {
	if _, ok := t.st.users[order.UserID]; !ok {
		return ledger.Order{}, ledger.ErrUserNotFound
	}
	if order.Price.IsNegative() || order.Amount.IsNegative() || order.LockedUSD.IsNegative() {
		return ledger.Order{}, constraint("orders_non_negative")
	}
	now := t.st.now()
	order.ID = t.st.nextID()
	order.CreatedAt = now
	order.UpdatedAt = now
	t.st.orders[order.ID] = order
	// rows inserted by a transaction are invisible to others until commit
	t.locked[orderLock(order.ID)] = true
	return order, nil
}

func (t *tx) GetOrderForUpdate(ctx context.Context, orderID int64) (ledger.Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	t.lock(orderLock(orderID))
	return o, nil
}

func (t *tx) FindCounterOrderForUpdate(ctx context.Context, order ledger.Order) (ledger.Order, error) {
	candidates := sortedOrders(t.st.orders, func(o ledger.Order) bool {
		return o.ID != order.ID &&
			o.Symbol == order.Symbol &&
			o.Status == ledger.StatusOpen &&
			o.Side == order.Side.Opposite() &&
			o.Amount.Equal(order.Amount) &&
			ledger.Crosses(order.Side, order.Price, o.Price)
	})
	if len(candidates) == 0 {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	t.lock(orderLock(candidates[0].ID))
	return candidates[0], nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID int64, status ledger.OrderStatus) (ledger.Order, error) {
	if err := t.requireLock(orderLock(orderID)); err != nil {
		return ledger.Order{}, err
	}
	o, ok := t.st.orders[orderID]
	if !ok {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	o.Status = status
	if status != ledger.StatusOpen {
		o.LockedUSD = money.Zero
	}
	o.UpdatedAt = t.st.now()
	t.st.orders[orderID] = o
	return o, nil
}

func (t *tx) CreateTrade(ctx context.Context, trade ledger.Trade) (ledger.Trade, error) {
	for _, existing := range t.st.trades {
		if existing.BuyOrderID == trade.BuyOrderID || existing.SellOrderID == trade.SellOrderID {
			return ledger.Trade{}, constraint("trades_order_unique")
		}
	}
	trade.ID = t.st.nextID()
	trade.CreatedAt = t.st.now()
	t.st.trades[trade.ID] = trade
	return trade, nil
}
