package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	orderColumns = `id, user_id, symbol, side, price::text, amount::text, locked_usd::text, status, created_at, updated_at`
	assetColumns = `id, user_id, symbol, amount::text, locked_amount::text, created_at, updated_at`
	userColumns  = `id, name, email, balance::text, created_at, updated_at`
	tradeColumns = `id, buy_order_id, sell_order_id, symbol, price::text, amount::text, fee::text, created_at`

	maxTradeLimit = 50
)

type Store struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	lockTimeout time.Duration
}

var _ ledger.Store = (*Store)(nil)

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(pool *pgxpool.Pool, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID int64) (ledger.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (ledger.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

func (s *Store) GetAsset(ctx context.Context, userID int64, symbol string) (ledger.Asset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	return scanAsset(row)
}

func (s *Store) ListAssets(ctx context.Context, userID int64) ([]ledger.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListOpenOrders(ctx context.Context, filter ledger.OrderFilter) ([]ledger.Order, error) {
	query, args := buildOrderBookQuery(filter)
	return s.queryOrders(ctx, query, args...)
}

func (s *Store) ListUserOrders(ctx context.Context, userID int64) ([]ledger.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
}

func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]ledger.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE symbol = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, symbol, clampLimit(limit, maxTradeLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.Trade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]ledger.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// buildOrderBookQuery lists orders for a symbol, bids first, each side best
// price first, then oldest first.
func buildOrderBookQuery(filter ledger.OrderFilter) (string, []any) {
	clauses := []string{"symbol = $1", "status = $2"}
	args := []any{filter.Symbol, int16(filter.EffectiveStatus())}

	if filter.Side != nil {
		args = append(args, string(*filter.Side))
		clauses = append(clauses, fmt.Sprintf("side = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY side ASC, CASE WHEN side = 'buy' THEN price END DESC, CASE WHEN side = 'sell' THEN price END ASC, created_at ASC, id ASC`
	return query, args
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

func scanUser(row pgx.Row) (ledger.User, error) {
	var u ledger.User
	var balance string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.User{}, ledger.ErrUserNotFound
		}
		return ledger.User{}, err
	}
	var err error
	if u.Balance, err = money.Parse(balance); err != nil {
		return ledger.User{}, fmt.Errorf("parse balance: %w", err)
	}
	return u, nil
}

func scanAsset(row pgx.Row) (ledger.Asset, error) {
	var a ledger.Asset
	var amount, locked string
	if err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &amount, &locked, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Asset{}, ledger.ErrAssetNotFound
		}
		return ledger.Asset{}, err
	}
	var err error
	if a.Amount, err = money.Parse(amount); err != nil {
		return ledger.Asset{}, fmt.Errorf("parse asset amount: %w", err)
	}
	if a.LockedAmount, err = money.Parse(locked); err != nil {
		return ledger.Asset{}, fmt.Errorf("parse locked amount: %w", err)
	}
	return a, nil
}

func scanOrder(row pgx.Row) (ledger.Order, error) {
	var o ledger.Order
	var side, price, amount, lockedUSD string
	var status int16
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &price, &amount, &lockedUSD, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Order{}, ledger.ErrOrderNotFound
		}
		return ledger.Order{}, err
	}
	o.Side = ledger.Side(side)
	o.Status = ledger.OrderStatus(status)

	var err error
	if o.Price, err = money.Parse(price); err != nil {
		return ledger.Order{}, fmt.Errorf("parse price: %w", err)
	}
	if o.Amount, err = money.Parse(amount); err != nil {
		return ledger.Order{}, fmt.Errorf("parse amount: %w", err)
	}
	if o.LockedUSD, err = money.Parse(lockedUSD); err != nil {
		return ledger.Order{}, fmt.Errorf("parse locked usd: %w", err)
	}
	return o, nil
}

func scanTrade(row pgx.Row) (ledger.Trade, error) {
	var t ledger.Trade
	var price, amount, fee string
	if err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Symbol, &price, &amount, &fee, &t.CreatedAt); err != nil {
		return ledger.Trade{}, err
	}
	var err error
	if t.Price, err = money.Parse(price); err != nil {
		return ledger.Trade{}, fmt.Errorf("parse trade price: %w", err)
	}
	if t.Amount, err = money.Parse(amount); err != nil {
		return ledger.Trade{}, fmt.Errorf("parse trade amount: %w", err)
	}
	if t.Fee, err = money.Parse(fee); err != nil {
		return ledger.Trade{}, fmt.Errorf("parse trade fee: %w", err)
	}
	return t, nil
}

// mapError translates constraint rejections into ledger.ErrConstraintViolation.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "23505":
			return fmt.Errorf("%s: %w: %v", pgErr.ConstraintName, ledger.ErrConstraintViolation, err)
		}
	}
	return err
}
