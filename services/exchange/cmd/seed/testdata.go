package main

import (
	"context"
	"fmt"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/config"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/lifecycle"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/matching"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/reservation"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/service"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/storage"
)

// seedTestData places resting orders through the exchange so that funds are
// reserved exactly as a client order would reserve them.
func seedTestData(ctx context.Context, cfg *config.Config, store *storage.Store, seeded []ledger.User) error {
	if len(seeded) < 2 {
		return fmt.Errorf("expected demo buyer and seller, got %d users", len(seeded))
	}
	buyer, seller := seeded[0], seeded[1]

	logger := logging.Discard()
	reserve := reservation.New(cfg.Fee.Rate, logger)
	exchange := service.NewExchange(
		store,
		reserve,
		matching.NewEngine(cfg.Fee.Rate, logger),
		lifecycle.NewManager(reserve, logger),
		nil,
		nil,
		logger,
		nil,
	)

	orders := []service.PlaceOrderInput{
		{UserID: seller.ID, Symbol: ledger.SymbolBTC, Side: "sell", Price: "52000", Amount: "0.25"},
		{UserID: seller.ID, Symbol: ledger.SymbolETH, Side: "sell", Price: "3100", Amount: "1"},
		{UserID: buyer.ID, Symbol: ledger.SymbolBTC, Side: "buy", Price: "48000", Amount: "0.1"},
		{UserID: buyer.ID, Symbol: ledger.SymbolETH, Side: "buy", Price: "2900", Amount: "0.5"},
	}
	for _, in := range orders {
		res, err := exchange.PlaceOrder(ctx, in)
		if err != nil {
			return fmt.Errorf("place %s %s %s@%s: %w", in.Side, in.Amount, in.Symbol, in.Price, err)
		}
		fmt.Printf("  order %d: %s %s %s @ %s\n", res.Order.ID, in.Side, in.Amount, in.Symbol, in.Price)
	}
	return nil
}
