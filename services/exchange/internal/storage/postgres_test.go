package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/lifecycle"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/matching"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/reservation"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/testutil"
	"github.com/jackc/pgx/v5/pgconn"
)

var feeRate = money.MustParse("0.015")

func TestBuildOrderBookQuery(t *testing.T) {
	query, args := buildOrderBookQuery(ledger.OrderFilter{Symbol: ledger.SymbolBTC})
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
	if args[0] != ledger.SymbolBTC || args[1] != int16(ledger.StatusOpen) {
		t.Fatalf("unexpected args %v", args)
	}
	if strings.Contains(query, "side = $") {
		t.Fatalf("unexpected side clause in %q", query)
	}

	side := ledger.SideSell
	status := ledger.StatusFilled
	query, args = buildOrderBookQuery(ledger.OrderFilter{Symbol: ledger.SymbolETH, Side: &side, Status: &status})
	if len(args) != 3 || args[1] != int16(ledger.StatusFilled) || args[2] != "sell" {
		t.Fatalf("unexpected args %v", args)
	}
	if !strings.Contains(query, "side = $3") {
		t.Fatalf("expected side clause in %q", query)
	}
	if !strings.Contains(query, "created_at ASC, id ASC") {
		t.Fatalf("expected time priority in %q", query)
	}
}

func TestCounterOrderQuery(t *testing.T) {
	buy := ledger.Order{
		ID:     7,
		Symbol: ledger.SymbolBTC,
		Side:   ledger.SideBuy,
		Price:  money.MustParse("50000"),
		Amount: money.MustParse("0.5"),
	}
	query, args := counterOrderQuery(buy)
	if !strings.Contains(query, "price <= $5::numeric") {
		t.Fatalf("buy should look for asks at or below its price: %q", query)
	}
	if args[1] != "sell" || args[3] != "0.50000000" || args[4] != "50000.00000000" || args[5] != int64(7) {
		t.Fatalf("unexpected args %v", args)
	}
	if !strings.Contains(query, "FOR UPDATE") {
		t.Fatalf("counter order must be locked: %q", query)
	}

	sell := buy
	sell.Side = ledger.SideSell
	query, args = counterOrderQuery(sell)
	if !strings.Contains(query, "price >= $5::numeric") {
		t.Fatalf("sell should look for bids at or above its price: %q", query)
	}
	if args[1] != "buy" {
		t.Fatalf("expected opposite side buy, got %v", args[1])
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 50},
		{-1, 50},
		{10, 10},
		{50, 50},
		{51, 50},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.in, maxTradeLimit); got != tc.want {
			t.Fatalf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestMapError(t *testing.T) {
	if mapError(nil) != nil {
		t.Fatalf("expected nil")
	}

	check := &pgconn.PgError{Code: "23514", ConstraintName: "users_balance_non_negative"}
	err := mapError(fmt.Errorf("update: %w", check))
	if !errors.Is(err, ledger.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "users_balance_non_negative") {
		t.Fatalf("expected constraint name in %q", err.Error())
	}

	unique := &pgconn.PgError{Code: "23505", ConstraintName: "trades_buy_order_unique"}
	if !errors.Is(mapError(unique), ledger.ErrConstraintViolation) {
		t.Fatalf("expected unique violation to map")
	}

	other := &pgconn.PgError{Code: "40P01"}
	if errors.Is(mapError(other), ledger.ErrConstraintViolation) {
		t.Fatalf("deadlock must not map to constraint violation")
	}
}

type integration struct {
	store   *Store
	reserve *reservation.Service
	engine  *matching.Engine
	cancel  *lifecycle.Manager
}

func setupIntegration(t *testing.T) *integration {
	t.Helper()
	if !testutil.IntegrationEnabled() {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	ctx := context.Background()
	store := New(pool, logging.Discard(), WithLockTimeout(5*time.Second))
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() { _ = testutil.CleanupTestData(context.Background(), pool) })

	reserve := reservation.New(feeRate, logging.Discard())
	return &integration{
		store:   store,
		reserve: reserve,
		engine:  matching.NewEngine(feeRate, logging.Discard()),
		cancel:  lifecycle.NewManager(reserve, logging.Discard()),
	}
}

func (it *integration) user(t *testing.T, name, balance string) ledger.User {
	t.Helper()
	u, err := it.store.UpsertUser(context.Background(), name, name+"@test.local", money.MustParse(balance))
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	return u
}

func (it *integration) place(t *testing.T, userID int64, side ledger.Side, price, amount string) ledger.Order {
	t.Helper()
	var order ledger.Order
	err := it.store.InTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		order, err = it.reserve.Reserve(context.Background(), tx, side, reservation.Request{
			UserID: userID,
			Symbol: ledger.SymbolBTC,
			Price:  money.MustParse(price),
			Amount: money.MustParse(amount),
		})
		return err
	})
	if err != nil {
		t.Fatalf("place %s: %v", side, err)
	}
	return order
}

func TestPostgresBuySettlement(t *testing.T) {
	it := setupIntegration(t)
	ctx := context.Background()

	buyer := it.user(t, "pg-buyer", "100000")
	seller := it.user(t, "pg-seller", "0")
	if _, err := it.store.SetAssetBalance(ctx, seller.ID, ledger.SymbolBTC, money.MustParse("1"), money.Zero); err != nil {
		t.Fatalf("set asset: %v", err)
	}

	buy := it.place(t, buyer.ID, ledger.SideBuy, "50000", "0.5")
	if buy.LockedUSD.String() != "25375" {
		t.Fatalf("expected locked 25375, got %s", buy.LockedUSD)
	}
	sell := it.place(t, seller.ID, ledger.SideSell, "50000", "0.5")

	var settlement *matching.Settlement
	err := it.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		settlement, err = it.engine.Match(ctx, tx, sell.ID)
		return err
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if settlement == nil {
		t.Fatalf("expected settlement")
	}
	if settlement.Trade.Price.String() != "50000" || settlement.Trade.Fee.String() != "375" {
		t.Fatalf("unexpected trade %+v", settlement.Trade)
	}

	u, err := it.store.GetUser(ctx, seller.ID)
	if err != nil {
		t.Fatalf("get seller: %v", err)
	}
	if u.Balance.String() != "25000" {
		t.Fatalf("expected seller balance 25000, got %s", u.Balance)
	}
	asset, err := it.store.GetAsset(ctx, buyer.ID, ledger.SymbolBTC)
	if err != nil {
		t.Fatalf("get buyer asset: %v", err)
	}
	if asset.Amount.String() != "0.5" {
		t.Fatalf("expected buyer to hold 0.5, got %s", asset.Amount)
	}

	for _, id := range []int64{buy.ID, sell.ID} {
		o, err := it.store.GetOrder(ctx, id)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if o.Status != ledger.StatusFilled || !o.LockedUSD.IsZero() {
			t.Fatalf("order %d not filled cleanly: %+v", id, o)
		}
	}
}

func TestPostgresBalanceCheckConstraint(t *testing.T) {
	it := setupIntegration(t)
	ctx := context.Background()
	u := it.user(t, "pg-poor", "10")

	err := it.store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetUserForUpdate(ctx, u.ID); err != nil {
			return err
		}
		return tx.DecrementBalance(ctx, u.ID, money.MustParse("11"))
	})
	if !errors.Is(err, ledger.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}

	after, err := it.store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if after.Balance.String() != "10" {
		t.Fatalf("balance changed after rollback: %s", after.Balance)
	}
}

func TestPostgresConcurrentCancel(t *testing.T) {
	it := setupIntegration(t)
	ctx := context.Background()

	u := it.user(t, "pg-canceller", "100000")
	order := it.place(t, u.ID, ledger.SideBuy, "50000", "0.5")

	const attempts = 5
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- it.store.InTx(ctx, func(tx ledger.Tx) error {
				_, err := it.cancel.Cancel(ctx, tx, order.ID, u.ID)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInvalidState):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one cancel to succeed, got %d", succeeded)
	}

	after, err := it.store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if after.Balance.String() != "100000" {
		t.Fatalf("expected full refund once, got %s", after.Balance)
	}
}
