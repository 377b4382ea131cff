package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger/ledgertest"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/lifecycle"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/matching"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/reservation"
	"github.com/redis/go-redis/v9"
)

var feeRate = money.MustParse("0.015")

type fixture struct {
	mr      *miniredis.Miniredis
	inner   *ledgertest.Store
	store   *Store
	reserve *reservation.Service
	user    ledger.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := ledgertest.New()
	return &fixture{
		mr:      mr,
		inner:   inner,
		store:   New(inner, client, time.Minute, "test:", logging.Discard()),
		reserve: reservation.New(feeRate, logging.Discard()),
		user:    inner.AddUser("alice", "100000"),
	}
}

func (f *fixture) placeBuy(t *testing.T, price string) ledger.Order {
	t.Helper()
	var order ledger.Order
	err := f.store.InTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		order, err = f.reserve.LockFundsForBuy(context.Background(), tx, reservation.Request{
			UserID: f.user.ID,
			Symbol: ledger.SymbolBTC,
			Price:  money.MustParse(price),
			Amount: money.MustParse("0.1"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	return order
}

func TestOrderBookCachedAndEvictedOnCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	filter := ledger.OrderFilter{Symbol: ledger.SymbolBTC}

	f.placeBuy(t, "50000")
	book, err := f.store.ListOpenOrders(ctx, filter)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(book) != 1 {
		t.Fatalf("expected 1 order, got %d", len(book))
	}
	if !f.mr.Exists("test:book:BTC") {
		t.Fatalf("expected book to be cached")
	}

	f.placeBuy(t, "51000")
	if f.mr.Exists("test:book:BTC") {
		t.Fatalf("expected book entry evicted after commit")
	}

	book, err = f.store.ListOpenOrders(ctx, filter)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(book) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(book))
	}
	if book[0].Price.String() != "51000" {
		t.Fatalf("expected best bid first, got %s", book[0].Price)
	}
}

func TestFilteredListingBypassesCache(t *testing.T) {
	f := newFixture(t)
	f.placeBuy(t, "50000")

	side := ledger.SideBuy
	if _, err := f.store.ListOpenOrders(context.Background(), ledger.OrderFilter{Symbol: ledger.SymbolBTC, Side: &side}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if f.mr.Exists("test:book:BTC") {
		t.Fatalf("filtered listing must not populate the cache")
	}
}

func TestGetOrderServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeBuy(t, "50000")

	first, err := f.store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Status != ledger.StatusOpen {
		t.Fatalf("expected open, got %s", first.Status)
	}

	f.mr.Set("test:order:"+strconv.FormatInt(order.ID, 10), `{"id":999}`)
	cached, err := f.store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cached.ID != 999 {
		t.Fatalf("expected cached value, got %d", cached.ID)
	}
}

func TestCancelEvictsOrderAndUserViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeBuy(t, "50000")

	if _, err := f.store.GetOrder(ctx, order.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.store.ListUserOrders(ctx, f.user.ID); err != nil {
		t.Fatalf("list user: %v", err)
	}

	manager := lifecycle.NewManager(f.reserve, logging.Discard())
	err := f.store.InTx(ctx, func(tx ledger.Tx) error {
		_, err := manager.Cancel(ctx, tx, order.ID, f.user.ID)
		return err
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := f.store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ledger.StatusCancelled {
		t.Fatalf("expected cancelled after eviction, got %s", got.Status)
	}
	mine, err := f.store.ListUserOrders(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("list user: %v", err)
	}
	if len(mine) != 1 || mine[0].Status != ledger.StatusCancelled {
		t.Fatalf("unexpected user orders %+v", mine)
	}
}

func TestRolledBackTransactionKeepsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placeBuy(t, "50000")
	if _, err := f.store.ListOpenOrders(ctx, ledger.OrderFilter{Symbol: ledger.SymbolBTC}); err != nil {
		t.Fatalf("list: %v", err)
	}

	err := f.store.InTx(ctx, func(tx ledger.Tx) error {
		_, err := f.reserve.LockFundsForBuy(ctx, tx, reservation.Request{
			UserID: f.user.ID,
			Symbol: ledger.SymbolBTC,
			Price:  money.MustParse("1000000"),
			Amount: money.MustParse("1"),
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected insufficient balance")
	}
	if !f.mr.Exists("test:book:BTC") {
		t.Fatalf("rolled back transaction must not evict")
	}
}

func TestTradesWindowEvictedOnSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := f.inner.AddUser("bob", "0")
	f.inner.SetAsset(seller.ID, ledger.SymbolBTC, "1", "0")

	trades, err := f.store.ListTrades(ctx, ledger.SymbolBTC, 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected no trades")
	}

	buy := f.placeBuy(t, "50000")
	err = f.store.InTx(ctx, func(tx ledger.Tx) error {
		_, err := f.reserve.LockAssetForSell(ctx, tx, reservation.Request{
			UserID: seller.ID,
			Symbol: ledger.SymbolBTC,
			Price:  money.MustParse("50000"),
			Amount: money.MustParse("0.1"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	engine := matching.NewEngine(feeRate, logging.Discard())
	err = f.store.InTx(ctx, func(tx ledger.Tx) error {
		_, err := engine.Match(ctx, tx, buy.ID)
		return err
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}

	trades, err = f.store.ListTrades(ctx, ledger.SymbolBTC, 10)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade after eviction, got %d", len(trades))
	}
}

func TestRedisOutageFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	order := f.placeBuy(t, "50000")
	f.mr.Close()

	got, err := f.store.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != order.ID {
		t.Fatalf("expected order %d, got %d", order.ID, got.ID)
	}
}

// staleReadStore returns the book as read before afterRead commits, the way a
// reader that queried just ahead of a concurrent transaction would.
type staleReadStore struct {
	ledger.Store
	afterRead func()
}

func (s *staleReadStore) ListOpenOrders(ctx context.Context, filter ledger.OrderFilter) ([]ledger.Order, error) {
	orders, err := s.Store.ListOpenOrders(ctx, filter)
	if s.afterRead != nil {
		hook := s.afterRead
		s.afterRead = nil
		hook()
	}
	return orders, err
}

func TestFillAfterConcurrentEvictionIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeBuy(t, "50000")

	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	racing := &staleReadStore{Store: f.inner}
	store := New(racing, client, time.Minute, "test:", logging.Discard())

	manager := lifecycle.NewManager(f.reserve, logging.Discard())
	racing.afterRead = func() {
		err := store.InTx(ctx, func(tx ledger.Tx) error {
			_, err := manager.Cancel(ctx, tx, order.ID, f.user.ID)
			return err
		})
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}

	stale, err := store.ListOpenOrders(ctx, ledger.OrderFilter{Symbol: ledger.SymbolBTC})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected the pre-commit read to see 1 order, got %d", len(stale))
	}
	if f.mr.Exists("test:book:BTC") {
		t.Fatalf("stale book must not be cached after a concurrent eviction")
	}

	fresh, err := store.ListOpenOrders(ctx, ledger.OrderFilter{Symbol: ledger.SymbolBTC})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected empty book after cancel, got %d", len(fresh))
	}
	if !f.mr.Exists("test:book:BTC") {
		t.Fatalf("expected fresh book to be cached")
	}
}

func TestEvictionBumpsGeneration(t *testing.T) {
	f := newFixture(t)
	f.placeBuy(t, "50000")
	first, err := f.mr.Get("test:book:BTC:gen")
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	f.placeBuy(t, "51000")
	second, err := f.mr.Get("test:book:BTC:gen")
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	if first == second {
		t.Fatalf("expected generation to change, stayed %s", first)
	}
	if ttl := f.mr.TTL("test:book:BTC:gen"); ttl <= 0 {
		t.Fatalf("expected generation key to expire, ttl %v", ttl)
	}
}
