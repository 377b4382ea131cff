package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/kafka"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

const MatchRequestedEventType = "orders.match-requested"

// MatchRequestedEvent asks the exchange to run matching for one order. The
// envelope is optional so that a bare {"order_id": N} is accepted.
type MatchRequestedEvent struct {
	kafka.Envelope
	OrderID int64 `json:"order_id"`
}

type Matcher interface {
	AttemptMatch(ctx context.Context, orderID int64) (*ledger.Trade, error)
}

type MatchConsumer struct {
	matcher Matcher
	logger  *slog.Logger
}

func NewMatchConsumer(matcher Matcher, logger *slog.Logger) *MatchConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchConsumer{matcher: matcher, logger: logger}
}

func NewMatchRequest(orderID int64, correlationID string) (MatchRequestedEvent, error) {
	env, err := kafka.NewEnvelope(MatchRequestedEventType, 1, correlationID)
	if err != nil {
		return MatchRequestedEvent{}, err
	}
	return MatchRequestedEvent{Envelope: env, OrderID: orderID}, nil
}

func (c *MatchConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}
	var event MatchRequestedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", MatchRequestedEventType, err), "decode_error")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	trade, err := c.matcher.AttemptMatch(ctx, event.OrderID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound):
		return kafka.DLQ(fmt.Errorf("attempt match %d: %w", event.OrderID, err), "order_not_found")
	case errors.Is(err, ledger.ErrInvalidState):
		c.logger.Info("match request for closed order", "order_id", event.OrderID, "event_id", event.EventID)
		return nil
	default:
		return fmt.Errorf("attempt match %d: %w", event.OrderID, err)
	}

	if trade == nil {
		c.logger.Debug("match request found no counter order", "order_id", event.OrderID, "event_id", event.EventID)
		return nil
	}
	c.logger.Info("match request settled trade",
		"order_id", event.OrderID,
		"trade_id", trade.ID,
		"event_id", event.EventID,
	)
	return nil
}

func (e *MatchRequestedEvent) Validate() error {
	if e.OrderID <= 0 {
		return fmt.Errorf("order_id must be positive")
	}
	if t := strings.TrimSpace(e.EventType); t != "" && t != MatchRequestedEventType {
		return fmt.Errorf("unexpected event_type: %s", t)
	}
	return nil
}
