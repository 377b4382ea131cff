package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/jackc/pgx/v5"
)

type pgTx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

func (t *pgTx) GetUserForUpdate(ctx context.Context, userID int64) (ledger.User, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID)
	return scanUser(row)
}

func (t *pgTx) IncrementBalance(ctx context.Context, userID int64, amount money.Decimal) error {
	return t.execOne(ctx, ledger.ErrUserNotFound, `
		UPDATE users SET balance = balance + $1::numeric, updated_at = now()
		WHERE id = $2
	`, amount.Fixed(), userID)
}

func (t *pgTx) DecrementBalance(ctx context.Context, userID int64, amount money.Decimal) error {
	return t.execOne(ctx, ledger.ErrUserNotFound, `
		UPDATE users SET balance = balance - $1::numeric, updated_at = now()
		WHERE id = $2
	`, amount.Fixed(), userID)
}

func (t *pgTx) GetAssetForUpdate(ctx context.Context, userID int64, symbol string) (ledger.Asset, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE`, userID, symbol)
	return scanAsset(row)
}

func (t *pgTx) GetOrCreateAssetForUpdate(ctx context.Context, userID int64, symbol string) (ledger.Asset, error) {
	asset, err := t.GetAssetForUpdate(ctx, userID, symbol)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Asset{}, err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO assets (user_id, symbol, amount, locked_amount)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, symbol) DO NOTHING
	`, userID, symbol)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("create asset: %w", mapError(err))
	}
	return t.GetAssetForUpdate(ctx, userID, symbol)
}

func (t *pgTx) LockAssetAmount(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.execOne(ctx, ledger.ErrAssetNotFound, `
		UPDATE assets
		SET amount = amount - $1::numeric, locked_amount = locked_amount + $1::numeric, updated_at = now()
		WHERE user_id = $2 AND symbol = $3
	`, amount.Fixed(), userID, symbol)
}

func (t *pgTx) UnlockAssetAmount(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.execOne(ctx, ledger.ErrAssetNotFound, `
		UPDATE assets
		SET amount = amount + $1::numeric, locked_amount = locked_amount - $1::numeric, updated_at = now()
		WHERE user_id = $2 AND symbol = $3
	`, amount.Fixed(), userID, symbol)
}

func (t *pgTx) DebitLockedAsset(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.execOne(ctx, ledger.ErrAssetNotFound, `
		UPDATE assets SET locked_amount = locked_amount - $1::numeric, updated_at = now()
		WHERE user_id = $2 AND symbol = $3
	`, amount.Fixed(), userID, symbol)
}

func (t *pgTx) CreditAsset(ctx context.Context, userID int64, symbol string, amount money.Decimal) error {
	return t.execOne(ctx, ledger.ErrAssetNotFound, `
		UPDATE assets SET amount = amount + $1::numeric, updated_at = now()
		WHERE user_id = $2 AND symbol = $3
	`, amount.Fixed(), userID, symbol)
}

func (t *pgTx) CreateOrder(ctx context.Context, order ledger.Order) (ledger.Order, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, symbol, side, price, amount, locked_usd, status)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)
		RETURNING `+orderColumns,
		order.UserID, order.Symbol, string(order.Side), order.Price.Fixed(), order.Amount.Fixed(), order.LockedUSD.Fixed(), int16(order.Status))
	created, err := scanOrder(row)
	if err != nil {
		return ledger.Order{}, mapError(err)
	}
	return created, nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, orderID int64) (ledger.Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	return scanOrder(row)
}

func (t *pgTx) FindCounterOrderForUpdate(ctx context.Context, order ledger.Order) (ledger.Order, error) {
	query, args := counterOrderQuery(order)
	return scanOrder(t.tx.QueryRow(ctx, query, args...))
}

func counterOrderQuery(order ledger.Order) (string, []any) {
	priceCond := "price <= $5::numeric"
	if order.Side == ledger.SideSell {
		priceCond = "price >= $5::numeric"
	}
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = $1
		  AND side = $2
		  AND status = $3
		  AND amount = $4::numeric
		  AND ` + priceCond + `
		  AND id <> $6
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE`
	args := []any{
		order.Symbol,
		string(order.Side.Opposite()),
		int16(ledger.StatusOpen),
		order.Amount.Fixed(),
		order.Price.Fixed(),
		order.ID,
	}
	return query, args
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, status ledger.OrderStatus) (ledger.Order, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1,
		    locked_usd = CASE WHEN $1 = 1 THEN locked_usd ELSE 0 END,
		    updated_at = clock_timestamp()
		WHERE id = $2
		RETURNING `+orderColumns,
		int16(status), orderID)
	updated, err := scanOrder(row)
	if err != nil {
		return ledger.Order{}, mapError(err)
	}
	return updated, nil
}

func (t *pgTx) CreateTrade(ctx context.Context, trade ledger.Trade) (ledger.Trade, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, symbol, price, amount, fee)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric)
		RETURNING `+tradeColumns,
		trade.BuyOrderID, trade.SellOrderID, trade.Symbol, trade.Price.Fixed(), trade.Amount.Fixed(), trade.Fee.Fixed())
	created, err := scanTrade(row)
	if err != nil {
		return ledger.Trade{}, mapError(err)
	}
	return created, nil
}

// execOne runs a single-row update and maps zero affected rows to notFound.
func (t *pgTx) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}
