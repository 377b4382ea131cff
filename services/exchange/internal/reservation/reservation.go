package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

type Request struct {
	UserID int64
	Symbol string
	Price  money.Decimal
	Amount money.Decimal
}

// Service reserves the resources an order needs while it rests on the book:
// the fee-inclusive notional for a buy, the asset amount for a sell.
type Service struct {
	feeMultiplier money.Decimal
	logger        *slog.Logger
}

func New(feeRate money.Decimal, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		feeMultiplier: money.FromInt(1).Add(feeRate),
		logger:        logger,
	}
}

// BuyReservation is the USD locked for a buy of amount at price.
func (s *Service) BuyReservation(price, amount money.Decimal) money.Decimal {
	return price.Mul(amount).Mul(s.feeMultiplier)
}

func (s *Service) Reserve(ctx context.Context, tx ledger.Tx, side ledger.Side, req Request) (ledger.Order, error) {
	switch side {
	case ledger.SideBuy:
		return s.LockFundsForBuy(ctx, tx, req)
	case ledger.SideSell:
		return s.LockAssetForSell(ctx, tx, req)
	default:
		return ledger.Order{}, fmt.Errorf("reserve: unknown side %q", side)
	}
}

func (s *Service) LockFundsForBuy(ctx context.Context, tx ledger.Tx, req Request) (ledger.Order, error) {
	user, err := tx.GetUserForUpdate(ctx, req.UserID)
	if err != nil {
		return ledger.Order{}, err
	}

	withFee := s.BuyReservation(req.Price, req.Amount)
	if user.Balance.LessThan(withFee) {
		return ledger.Order{}, fmt.Errorf("need %s USD, have %s: %w", withFee, user.Balance, ledger.ErrInsufficientBalance)
	}

	if err := tx.DecrementBalance(ctx, user.ID, withFee); err != nil {
		return ledger.Order{}, fmt.Errorf("debit balance: %w", err)
	}

	order, err := tx.CreateOrder(ctx, ledger.Order{
		UserID:    user.ID,
		Symbol:    req.Symbol,
		Side:      ledger.SideBuy,
		Price:     req.Price,
		Amount:    req.Amount,
		LockedUSD: withFee,
		Status:    ledger.StatusOpen,
	})
	if err != nil {
		return ledger.Order{}, fmt.Errorf("create order: %w", err)
	}

	s.logger.Debug("funds locked for buy",
		slog.Int64("order_id", order.ID),
		slog.Int64("user_id", user.ID),
		slog.String("locked_usd", withFee.String()),
	)
	return order, nil
}

func (s *Service) LockAssetForSell(ctx context.Context, tx ledger.Tx, req Request) (ledger.Order, error) {
	asset, err := tx.GetAssetForUpdate(ctx, req.UserID, req.Symbol)
	if err != nil {
		return ledger.Order{}, err
	}

	if asset.Amount.LessThan(req.Amount) {
		return ledger.Order{}, fmt.Errorf("need %s %s, have %s: %w", req.Amount, req.Symbol, asset.Amount, ledger.ErrInsufficientAsset)
	}

	if err := tx.LockAssetAmount(ctx, req.UserID, req.Symbol, req.Amount); err != nil {
		return ledger.Order{}, fmt.Errorf("lock asset: %w", err)
	}

	order, err := tx.CreateOrder(ctx, ledger.Order{
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      ledger.SideSell,
		Price:     req.Price,
		Amount:    req.Amount,
		LockedUSD: money.Zero,
		Status:    ledger.StatusOpen,
	})
	if err != nil {
		return ledger.Order{}, fmt.Errorf("create order: %w", err)
	}

	s.logger.Debug("asset locked for sell",
		slog.Int64("order_id", order.ID),
		slog.Int64("user_id", req.UserID),
		slog.String("amount", req.Amount.String()),
	)
	return order, nil
}

// Release returns an open order's reservation to its owner: the locked USD
// for a buy, the locked asset amount for a sell. The caller must hold the
// order row lock.
func (s *Service) Release(ctx context.Context, tx ledger.Tx, order ledger.Order) error {
	switch order.Side {
	case ledger.SideBuy:
		if _, err := tx.GetUserForUpdate(ctx, order.UserID); err != nil {
			return err
		}
		if order.LockedUSD.IsZero() {
			return nil
		}
		if err := tx.IncrementBalance(ctx, order.UserID, order.LockedUSD); err != nil {
			return fmt.Errorf("refund locked usd: %w", err)
		}
	case ledger.SideSell:
		asset, err := tx.GetAssetForUpdate(ctx, order.UserID, order.Symbol)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("unlock %s: %w", order.Symbol, ledger.ErrInsufficientLockedAsset)
			}
			return err
		}
		if asset.LockedAmount.LessThan(order.Amount) {
			return fmt.Errorf("unlock %s: %w", order.Symbol, ledger.ErrInsufficientLockedAsset)
		}
		if err := tx.UnlockAssetAmount(ctx, order.UserID, order.Symbol, order.Amount); err != nil {
			return fmt.Errorf("unlock asset: %w", err)
		}
	default:
		return fmt.Errorf("release: unknown side %q", order.Side)
	}
	return nil
}
