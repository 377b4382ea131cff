package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

// Settlement is the outcome of a committed match.
type Settlement struct {
	Trade     ledger.Trade
	BuyOrder  ledger.Order
	SellOrder ledger.Order
	Notional  money.Decimal
	Refund    money.Decimal
}

func (s Settlement) BuyerID() int64  { return s.BuyOrder.UserID }
func (s Settlement) SellerID() int64 { return s.SellOrder.UserID }

type Engine struct {
	feeRate money.Decimal
	logger  *slog.Logger
}

func NewEngine(feeRate money.Decimal, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{feeRate: feeRate, logger: logger}
}

func (e *Engine) FeeRate() money.Decimal { return e.feeRate }

// Match settles orderID against the best resting counter order inside tx.
// It returns nil without error when the order is no longer OPEN or nothing
// on the book is eligible. Rows are locked in a fixed order: incoming order,
// counter order, buyer user, seller user, seller asset, buyer asset.
func (e *Engine) Match(ctx context.Context, tx ledger.Tx, orderID int64) (*Settlement, error) {
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsOpen() {
		return nil, nil
	}

	counter, err := tx.FindCounterOrderForUpdate(ctx, order)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find counter order: %w", err)
	}

	return e.settle(ctx, tx, order, counter)
}

func (e *Engine) settle(ctx context.Context, tx ledger.Tx, order, counter ledger.Order) (*Settlement, error) {
	buyOrder, sellOrder := order, counter
	if order.Side == ledger.SideSell {
		buyOrder, sellOrder = counter, order
	}

	// the resting order sets the price
	price := counter.Price
	amount := order.Amount
	notional := price.Mul(amount)
	fee := notional.Mul(e.feeRate)
	totalDebit := notional.Add(fee)

	buyer, err := tx.GetUserForUpdate(ctx, buyOrder.UserID)
	if err != nil {
		return nil, fmt.Errorf("lock buyer: %w", err)
	}
	seller, err := tx.GetUserForUpdate(ctx, sellOrder.UserID)
	if err != nil {
		return nil, fmt.Errorf("lock seller: %w", err)
	}

	sellerAsset, err := tx.GetAssetForUpdate(ctx, seller.ID, order.Symbol)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("lock seller asset: %w", err)
	}
	if err != nil || sellerAsset.LockedAmount.LessThan(amount) {
		return nil, fmt.Errorf("seller %d %s: %w", seller.ID, order.Symbol, ledger.ErrInsufficientLockedAsset)
	}
	if _, err := tx.GetOrCreateAssetForUpdate(ctx, buyer.ID, order.Symbol); err != nil {
		return nil, fmt.Errorf("lock buyer asset: %w", err)
	}

	refund := buyOrder.LockedUSD.Sub(totalDebit)
	if refund.IsNegative() {
		return nil, fmt.Errorf("buy order %d locked %s, needs %s: %w", buyOrder.ID, buyOrder.LockedUSD, totalDebit, ledger.ErrInsufficientLockedFunds)
	}

	if err := tx.DebitLockedAsset(ctx, seller.ID, order.Symbol, amount); err != nil {
		return nil, fmt.Errorf("debit seller asset: %w", err)
	}
	if err := tx.CreditAsset(ctx, buyer.ID, order.Symbol, amount); err != nil {
		return nil, fmt.Errorf("credit buyer asset: %w", err)
	}
	if refund.IsPositive() {
		if err := tx.IncrementBalance(ctx, buyer.ID, refund); err != nil {
			return nil, fmt.Errorf("refund buyer: %w", err)
		}
	}

	filledBuy, err := tx.UpdateOrderStatus(ctx, buyOrder.ID, ledger.StatusFilled)
	if err != nil {
		return nil, fmt.Errorf("fill buy order: %w", err)
	}
	filledSell, err := tx.UpdateOrderStatus(ctx, sellOrder.ID, ledger.StatusFilled)
	if err != nil {
		return nil, fmt.Errorf("fill sell order: %w", err)
	}

	if err := tx.IncrementBalance(ctx, seller.ID, notional); err != nil {
		return nil, fmt.Errorf("credit seller: %w", err)
	}

	trade, err := tx.CreateTrade(ctx, ledger.Trade{
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		Symbol:      order.Symbol,
		Price:       price,
		Amount:      amount,
		Fee:         fee,
	})
	if err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}

	e.logger.Debug("orders matched",
		slog.Int64("trade_id", trade.ID),
		slog.Int64("buy_order_id", buyOrder.ID),
		slog.Int64("sell_order_id", sellOrder.ID),
		slog.String("price", price.String()),
		slog.String("amount", amount.String()),
		slog.String("fee", fee.String()),
	)

	return &Settlement{
		Trade:     trade,
		BuyOrder:  filledBuy,
		SellOrder: filledSell,
		Notional:  notional,
		Refund:    refund,
	}, nil
}
