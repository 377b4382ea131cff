package storage

import (
	"context"
	"fmt"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

// UpsertUser creates the user identified by email or resets its name and
// balance. Used by the seeder and integration tests only.
func (s *Store) UpsertUser(ctx context.Context, name, email string, balance money.Decimal) (ledger.User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (name, email, balance)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (email) DO UPDATE
		SET name = EXCLUDED.name, balance = EXCLUDED.balance, updated_at = now()
		RETURNING `+userColumns,
		name, email, balance.Fixed())
	u, err := scanUser(row)
	if err != nil {
		return ledger.User{}, fmt.Errorf("upsert user %s: %w", email, mapError(err))
	}
	return u, nil
}

// SetAssetBalance overwrites the available and locked amounts of a holding.
func (s *Store) SetAssetBalance(ctx context.Context, userID int64, symbol string, amount, locked money.Decimal) (ledger.Asset, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO assets (user_id, symbol, amount, locked_amount)
		VALUES ($1, $2, $3::numeric, $4::numeric)
		ON CONFLICT (user_id, symbol) DO UPDATE
		SET amount = EXCLUDED.amount, locked_amount = EXCLUDED.locked_amount, updated_at = now()
		RETURNING `+assetColumns,
		userID, symbol, amount.Fixed(), locked.Fixed())
	a, err := scanAsset(row)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("set asset %s for user %d: %w", symbol, userID, mapError(err))
	}
	return a, nil
}
