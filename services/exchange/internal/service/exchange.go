package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/trace"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/lifecycle"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/matching"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/reservation"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/validation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "exchange"

	DefaultTradeLimit        = 50
	DefaultNotificationLimit = 50
)

// EventSink broadcasts a committed settlement to both counterparties.
type EventSink interface {
	TradeSettled(ctx context.Context, settlement matching.Settlement) error
}

// Notifier records an order-filled message for one side of a trade.
type Notifier interface {
	OrderFilled(ctx context.Context, userID int64, trade ledger.Trade, side ledger.Side) error
}

type PlaceOrderInput struct {
	UserID int64
	Symbol string
	Side   string
	Price  string
	Amount string
}

type PlaceOrderResult struct {
	Order ledger.Order  `json:"order"`
	Trade *ledger.Trade `json:"trade"`
}

type Profile struct {
	User   ledger.User    `json:"user"`
	Assets []ledger.Asset `json:"assets"`
}

type NotificationPage struct {
	Items  []ledger.Notification `json:"items"`
	Unread int                   `json:"unread_count"`
}

type Exchange struct {
	store     ledger.Store
	reserve   *reservation.Service
	engine    *matching.Engine
	lifecycle *lifecycle.Manager
	sink      EventSink
	notifier  Notifier
	logger    *slog.Logger
	metrics   *Metrics
}

func NewExchange(store ledger.Store, reserve *reservation.Service, engine *matching.Engine, orders *lifecycle.Manager, sink EventSink, notifier Notifier, logger *slog.Logger, metrics *Metrics) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		store:     store,
		reserve:   reserve,
		engine:    engine,
		lifecycle: orders,
		sink:      sink,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
	}
}

// PlaceOrder reserves funds or asset for a new limit order and then tries to
// match it. Reservation and settlement run in separate transactions: if
// settlement fails the order stays OPEN on the book and the error is
// returned alongside it.
func (s *Exchange) PlaceOrder(ctx context.Context, in PlaceOrderInput) (res PlaceOrderResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "exchange.PlaceOrder")
	defer finish(span, &err)
	defer s.observe("place_order", time.Now(), &err)

	req, verrs := validation.ValidateOrderRequest(in.Symbol, in.Side, in.Price, in.Amount)
	if len(verrs) > 0 {
		return PlaceOrderResult{}, verrs
	}
	span.SetAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
	)

	var order ledger.Order
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		order, err = s.reserve.Reserve(ctx, tx, req.Side, reservation.Request{
			UserID: in.UserID,
			Symbol: req.Symbol,
			Price:  req.Price,
			Amount: req.Amount,
		})
		return err
	})
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("reserve: %w", err)
	}
	s.metrics.IncOrderPlaced(order.Symbol, string(order.Side))
	s.log(ctx).Info("order placed",
		"order_id", order.ID,
		"user_id", order.UserID,
		"symbol", order.Symbol,
		"side", order.Side,
		"price", order.Price.String(),
		"amount", order.Amount.String(),
	)

	res.Order = order
	settlement, err := s.match(ctx, order.ID)
	if err != nil {
		return res, fmt.Errorf("match order %d: %w", order.ID, err)
	}
	if settlement == nil {
		return res, nil
	}
	res.Trade = &settlement.Trade
	if order.Side == ledger.SideBuy {
		res.Order = settlement.BuyOrder
	} else {
		res.Order = settlement.SellOrder
	}
	return res, nil
}

// CancelOrder cancels an OPEN order owned by userID and returns its
// reservation. userID 0 skips the ownership check.
func (s *Exchange) CancelOrder(ctx context.Context, userID, orderID int64) (order ledger.Order, err error) {
	ctx, span := trace.Start(ctx, tracerName, "exchange.CancelOrder")
	defer finish(span, &err)
	defer s.observe("cancel_order", time.Now(), &err)
	span.SetAttributes(attribute.Int64("order_id", orderID))

	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		order, err = s.lifecycle.Cancel(ctx, tx, orderID, userID)
		return err
	})
	if err != nil {
		return ledger.Order{}, err
	}
	s.log(ctx).Info("order cancelled", "order_id", order.ID, "user_id", order.UserID, "side", order.Side)
	return order, nil
}

// AttemptMatch settles orderID against the book. It returns nil when the
// order is not OPEN or has no eligible counter order.
func (s *Exchange) AttemptMatch(ctx context.Context, orderID int64) (trade *ledger.Trade, err error) {
	ctx, span := trace.Start(ctx, tracerName, "exchange.AttemptMatch")
	defer finish(span, &err)
	defer s.observe("attempt_match", time.Now(), &err)
	span.SetAttributes(attribute.Int64("order_id", orderID))

	settlement, err := s.match(ctx, orderID)
	if err != nil || settlement == nil {
		return nil, err
	}
	return &settlement.Trade, nil
}

func (s *Exchange) match(ctx context.Context, orderID int64) (*matching.Settlement, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsOpen() {
		return nil, nil
	}

	var settlement *matching.Settlement
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		settlement, err = s.engine.Match(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if settlement == nil {
		return nil, nil
	}

	s.metrics.IncTrade(settlement.Trade.Symbol)
	s.log(ctx).Info("trade settled",
		"trade_id", settlement.Trade.ID,
		"buy_order_id", settlement.BuyOrder.ID,
		"sell_order_id", settlement.SellOrder.ID,
		"price", settlement.Trade.Price.String(),
		"amount", settlement.Trade.Amount.String(),
		"fee", settlement.Trade.Fee.String(),
	)
	s.afterSettlement(ctx, *settlement)
	return settlement, nil
}

// afterSettlement runs once the settlement transaction has committed.
// Failures are logged and counted; the trade stands regardless.
func (s *Exchange) afterSettlement(ctx context.Context, settlement matching.Settlement) {
	logger := s.log(ctx)
	if s.sink != nil {
		if err := s.sink.TradeSettled(ctx, settlement); err != nil {
			s.metrics.IncSideEffectFailure("event")
			logger.Error("trade event failed", "trade_id", settlement.Trade.ID, "error", err)
		}
	}
	if s.notifier == nil {
		return
	}
	notify := []struct {
		userID int64
		side   ledger.Side
	}{
		{settlement.BuyerID(), ledger.SideBuy},
		{settlement.SellerID(), ledger.SideSell},
	}
	for _, n := range notify {
		if err := s.notifier.OrderFilled(ctx, n.userID, settlement.Trade, n.side); err != nil {
			s.metrics.IncSideEffectFailure("notification")
			logger.Error("order-filled notification failed", "trade_id", settlement.Trade.ID, "user_id", n.userID, "error", err)
		}
	}
}

func (s *Exchange) GetOrder(ctx context.Context, orderID int64) (ledger.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// ListOpenOrders returns the book for a symbol, best price first then
// oldest first.
func (s *Exchange) ListOpenOrders(ctx context.Context, filter ledger.OrderFilter) ([]ledger.Order, error) {
	if !ledger.ValidSymbol(filter.Symbol) {
		return nil, validation.ValidationErrors{{Field: "symbol", Message: "symbol must be BTC or ETH"}}
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, validation.ValidationErrors{{Field: "status", Message: "status must be 1, 2 or 3"}}
	}
	return s.store.ListOpenOrders(ctx, filter)
}

func (s *Exchange) ListUserOrders(ctx context.Context, userID int64) ([]ledger.Order, error) {
	return s.store.ListUserOrders(ctx, userID)
}

func (s *Exchange) ListTrades(ctx context.Context, symbol string, limit int) ([]ledger.Trade, error) {
	sym, verrs := validation.ValidateSymbol(symbol)
	if len(verrs) > 0 {
		return nil, verrs
	}
	if limit <= 0 || limit > DefaultTradeLimit {
		limit = DefaultTradeLimit
	}
	return s.store.ListTrades(ctx, sym, limit)
}

func (s *Exchange) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	assets, err := s.store.ListAssets(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("list assets: %w", err)
	}
	return Profile{User: user, Assets: assets}, nil
}

func (s *Exchange) ListNotifications(ctx context.Context, userID int64, limit int) (NotificationPage, error) {
	if limit <= 0 || limit > DefaultNotificationLimit {
		limit = DefaultNotificationLimit
	}
	items, unread, err := s.store.ListNotifications(ctx, userID, limit)
	if err != nil {
		return NotificationPage{}, err
	}
	return NotificationPage{Items: items, Unread: unread}, nil
}

func (s *Exchange) MarkNotificationRead(ctx context.Context, userID int64, id uuid.UUID) error {
	return s.store.MarkNotificationRead(ctx, userID, id)
}

func (s *Exchange) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}

func (s *Exchange) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

func (s *Exchange) observe(operation string, start time.Time, errp *error) {
	err := *errp
	s.metrics.ObserveOperation(operation, time.Since(start), err)
	if err == nil {
		return
	}
	level := slog.LevelWarn
	switch ErrorReason(err) {
	case "internal", "constraint_violation", "insufficient_locked_funds", "insufficient_locked_asset":
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "operation failed", "operation", operation, "error", err)
}

func finish(span oteltrace.Span, errp *error) {
	if err := *errp; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
