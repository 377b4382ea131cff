package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/kafka"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

type fakeMatcher struct {
	calls []int64
	trade *ledger.Trade
	err   error
}

func (f *fakeMatcher) AttemptMatch(ctx context.Context, orderID int64) (*ledger.Trade, error) {
	f.calls = append(f.calls, orderID)
	return f.trade, f.err
}

func message(t *testing.T, v any) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "orders.match-requests", Value: b}
}

func isDLQ(err error) bool {
	var dlqErr *kafka.DLQError
	return errors.As(err, &dlqErr)
}

func TestMatchConsumerBarePayload(t *testing.T) {
	matcher := &fakeMatcher{trade: &ledger.Trade{ID: 9}}
	c := NewMatchConsumer(matcher, logging.Discard())

	if err := c.HandleMessage(context.Background(), message(t, map[string]int64{"order_id": 42})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matcher.calls) != 1 || matcher.calls[0] != 42 {
		t.Fatalf("expected AttemptMatch(42), got %v", matcher.calls)
	}
}

func TestMatchConsumerEnvelope(t *testing.T) {
	matcher := &fakeMatcher{}
	c := NewMatchConsumer(matcher, logging.Discard())

	event, err := NewMatchRequest(7, "corr-1")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := c.HandleMessage(context.Background(), message(t, event)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matcher.calls) != 1 || matcher.calls[0] != 7 {
		t.Fatalf("expected AttemptMatch(7), got %v", matcher.calls)
	}
}

func TestMatchConsumerRejectsBadMessages(t *testing.T) {
	matcher := &fakeMatcher{}
	c := NewMatchConsumer(matcher, logging.Discard())
	ctx := context.Background()

	cases := []*sarama.ConsumerMessage{
		nil,
		{Value: []byte("{not json")},
		message(t, map[string]int64{"order_id": 0}),
		message(t, map[string]any{"order_id": 3, "event_type": "trades.settled"}),
	}
	for i, msg := range cases {
		if err := c.HandleMessage(ctx, msg); !isDLQ(err) {
			t.Fatalf("case %d: expected DLQ error, got %v", i, err)
		}
	}
	if len(matcher.calls) != 0 {
		t.Fatalf("matcher should not be called, got %v", matcher.calls)
	}
}

func TestMatchConsumerErrorClassification(t *testing.T) {
	ctx := context.Background()

	notFound := &fakeMatcher{err: fmt.Errorf("lookup: %w", ledger.ErrOrderNotFound)}
	if err := NewMatchConsumer(notFound, logging.Discard()).HandleMessage(ctx, message(t, map[string]int64{"order_id": 1})); !isDLQ(err) {
		t.Fatalf("expected DLQ for missing order, got %v", err)
	}

	closed := &fakeMatcher{err: ledger.ErrInvalidState}
	if err := NewMatchConsumer(closed, logging.Discard()).HandleMessage(ctx, message(t, map[string]int64{"order_id": 1})); err != nil {
		t.Fatalf("expected closed order to be acknowledged, got %v", err)
	}

	transient := &fakeMatcher{err: errors.New("connection reset")}
	err := NewMatchConsumer(transient, logging.Discard()).HandleMessage(ctx, message(t, map[string]int64{"order_id": 1}))
	if err == nil || isDLQ(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
