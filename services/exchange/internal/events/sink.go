package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/kafka"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/matching"
)

const (
	EventTypeTradeSettled = "trades.settled"
	BroadcastOrderMatched = "OrderMatched"
)

// TradeSettledEvent is published once per counterparty of a trade.
type TradeSettledEvent struct {
	kafka.Envelope
	Channel     string `json:"channel"`
	Broadcast   string `json:"broadcast"`
	UserID      int64  `json:"user_id"`
	TradeID     int64  `json:"trade_id"`
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	BuyOrderID  int64  `json:"buy_order_id"`
	SellOrderID int64  `json:"sell_order_id"`
	SettledAt   string `json:"settled_at"`
}

func UserChannel(userID int64) string {
	return fmt.Sprintf("private-user.%d", userID)
}

type KafkaSink struct {
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
}

func NewKafkaSink(producer kafka.Publisher, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{producer: producer, topic: topic, logger: logger}
}

// TradeSettled publishes the trade to the private channel of the buyer and
// of the seller. A self-trade is published once.
func (s *KafkaSink) TradeSettled(ctx context.Context, settlement matching.Settlement) error {
	if s.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}

	recipients := []int64{settlement.BuyerID()}
	if settlement.SellerID() != settlement.BuyerID() {
		recipients = append(recipients, settlement.SellerID())
	}

	trade := settlement.Trade
	for _, userID := range recipients {
		eventID := kafka.DeterministicEventID(EventTypeTradeSettled, strconv.FormatInt(trade.ID, 10), strconv.FormatInt(userID, 10))
		env, err := kafka.NewEnvelopeWithID(eventID, EventTypeTradeSettled, 1, strconv.FormatInt(trade.ID, 10))
		if err != nil {
			return err
		}
		payload := TradeSettledEvent{
			Envelope:    env,
			Channel:     UserChannel(userID),
			Broadcast:   BroadcastOrderMatched,
			UserID:      userID,
			TradeID:     trade.ID,
			Symbol:      trade.Symbol,
			Price:       trade.Price.String(),
			Amount:      trade.Amount.String(),
			Fee:         trade.Fee.String(),
			BuyOrderID:  trade.BuyOrderID,
			SellOrderID: trade.SellOrderID,
			SettledAt:   trade.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if _, _, err := s.producer.PublishJSON(ctx, s.topic, strconv.FormatInt(userID, 10), payload); err != nil {
			return fmt.Errorf("publish trade %d to user %d: %w", trade.ID, userID, err)
		}
	}

	s.logger.Debug("trade settlement published", "trade_id", trade.ID, "recipients", len(recipients))
	return nil
}
