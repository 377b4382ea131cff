package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger/ledgertest"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/matching"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

func (s *stubPublisher) snapshot() []publishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishCall(nil), s.calls...)
}

func sampleTrade() ledger.Trade {
	return ledger.Trade{
		ID:          42,
		BuyOrderID:  1,
		SellOrderID: 2,
		Symbol:      ledger.SymbolBTC,
		Price:       money.MustParse("50000"),
		Amount:      money.MustParse("0.5"),
		Fee:         money.MustParse("375"),
		CreatedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sampleSettlement(buyer, seller int64) matching.Settlement {
	return matching.Settlement{
		Trade:     sampleTrade(),
		BuyOrder:  ledger.Order{ID: 1, UserID: buyer},
		SellOrder: ledger.Order{ID: 2, UserID: seller},
	}
}

func TestKafkaSinkPublishesPerCounterparty(t *testing.T) {
	pub := &stubPublisher{}
	sink := NewKafkaSink(pub, "trades.settled", logging.Discard())

	if err := sink.TradeSettled(context.Background(), sampleSettlement(10, 20)); err != nil {
		t.Fatalf("TradeSettled: %v", err)
	}

	calls := pub.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(calls))
	}
	want := []struct {
		key     string
		channel string
	}{
		{"10", "private-user.10"},
		{"20", "private-user.20"},
	}
	ids := map[string]bool{}
	for i, call := range calls {
		if call.topic != "trades.settled" {
			t.Fatalf("unexpected topic %q", call.topic)
		}
		if call.key != want[i].key {
			t.Fatalf("expected key %q, got %q", want[i].key, call.key)
		}
		event, ok := call.value.(TradeSettledEvent)
		if !ok {
			t.Fatalf("expected TradeSettledEvent, got %T", call.value)
		}
		if event.Channel != want[i].channel {
			t.Fatalf("expected channel %q, got %q", want[i].channel, event.Channel)
		}
		if event.Price != "50000" || event.Fee != "375" || event.Amount != "0.5" {
			t.Fatalf("unexpected payload %+v", event)
		}
		ids[event.EventID] = true
	}
	if len(ids) != 2 {
		t.Fatalf("expected distinct event ids per recipient")
	}
}

func TestKafkaSinkEventIDsAreStable(t *testing.T) {
	pub := &stubPublisher{}
	sink := NewKafkaSink(pub, "trades.settled", logging.Discard())
	ctx := context.Background()

	if err := sink.TradeSettled(ctx, sampleSettlement(10, 20)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := sink.TradeSettled(ctx, sampleSettlement(10, 20)); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	calls := pub.snapshot()
	first := calls[0].value.(TradeSettledEvent)
	again := calls[2].value.(TradeSettledEvent)
	if first.EventID != again.EventID {
		t.Fatalf("expected republish to reuse event id")
	}
}

func TestKafkaSinkSelfTradePublishedOnce(t *testing.T) {
	pub := &stubPublisher{}
	sink := NewKafkaSink(pub, "trades.settled", logging.Discard())

	if err := sink.TradeSettled(context.Background(), sampleSettlement(7, 7)); err != nil {
		t.Fatalf("TradeSettled: %v", err)
	}
	if got := len(pub.snapshot()); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
}

func TestKafkaSinkReturnsPublishError(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	sink := NewKafkaSink(pub, "trades.settled", logging.Discard())

	if err := sink.TradeSettled(context.Background(), sampleSettlement(1, 2)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestQueuedNotifierStoresAndPublishes(t *testing.T) {
	store := ledgertest.New()
	buyer := store.AddUser("buyer", "0")
	pub := &stubPublisher{}

	notifier := NewQueuedNotifier(store, pub, "notifications.order-filled", NotifierConfig{Workers: 2, Buffer: 8}, logging.Discard())
	notifier.Start()

	if err := notifier.OrderFilled(context.Background(), buyer.ID, sampleTrade(), ledger.SideBuy); err != nil {
		t.Fatalf("OrderFilled: %v", err)
	}
	notifier.Close()

	stored := store.Notifications()
	if len(stored) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(stored))
	}
	n := stored[0]
	if n.Type != ledger.NotificationOrderFilled || n.UserID != buyer.ID {
		t.Fatalf("unexpected notification %+v", n)
	}

	var data OrderFilledData
	if err := json.Unmarshal(n.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.TradeID != 42 || data.Side != ledger.SideBuy {
		t.Fatalf("unexpected data %+v", data)
	}
	if data.Total.String() != "25000" {
		t.Fatalf("expected total 25000, got %s", data.Total)
	}

	calls := pub.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(calls))
	}
	event, ok := calls[0].value.(NotificationEvent)
	if !ok {
		t.Fatalf("expected NotificationEvent, got %T", calls[0].value)
	}
	if event.NotificationID != n.ID.String() || event.Channel != UserChannel(buyer.ID) {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestQueuedNotifierRejectsAfterClose(t *testing.T) {
	notifier := NewQueuedNotifier(ledgertest.New(), nil, "", NotifierConfig{}, logging.Discard())
	notifier.Start()
	notifier.Close()

	err := notifier.OrderFilled(context.Background(), 1, sampleTrade(), ledger.SideSell)
	if !errors.Is(err, ErrNotifierClosed) {
		t.Fatalf("expected ErrNotifierClosed, got %v", err)
	}
}

func TestQueuedNotifierReportsFullQueue(t *testing.T) {
	notifier := NewQueuedNotifier(ledgertest.New(), nil, "", NotifierConfig{Workers: 1, Buffer: 1}, logging.Discard())
	ctx := context.Background()

	if err := notifier.OrderFilled(ctx, 1, sampleTrade(), ledger.SideBuy); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := notifier.OrderFilled(ctx, 1, sampleTrade(), ledger.SideBuy); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	notifier.Close()
}

func TestQueuedNotifierDrainsOnCloseWithoutStart(t *testing.T) {
	store := ledgertest.New()
	u := store.AddUser("late", "0")
	notifier := NewQueuedNotifier(store, nil, "", NotifierConfig{Buffer: 4}, logging.Discard())

	for i := 0; i < 3; i++ {
		if err := notifier.OrderFilled(context.Background(), u.ID, sampleTrade(), ledger.SideSell); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	notifier.Close()

	if got := len(store.Notifications()); got != 3 {
		t.Fatalf("expected 3 notifications, got %d", got)
	}
}
