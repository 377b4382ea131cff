package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/auth"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/config"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

type seedAsset struct {
	symbol string
	amount string
}

type seedUser struct {
	name    string
	email   string
	balance string
	assets  []seedAsset
}

var users = []seedUser{
	{
		name:    "Demo Buyer",
		email:   "demo@example.com",
		balance: "100000",
		assets:  []seedAsset{{ledger.SymbolETH, "2"}},
	},
	{
		name:    "Demo Seller",
		email:   "trader@example.com",
		balance: "10000",
		assets:  []seedAsset{{ledger.SymbolBTC, "1"}, {ledger.SymbolETH, "10"}},
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	store := storage.New(pool, logging.Discard(), storage.WithLockTimeout(cfg.DB.LockTimeout))
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("Seeding database...")

	seeded, err := seedUsers(ctx, store)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users and assets seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, cfg, store, seeded); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Resting orders seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		fmt.Println("\nJWT_SECRET is empty; skipping token output")
		return
	}
	fmt.Println("\nBearer tokens (24h, DEV ONLY):")
	for _, u := range seeded {
		token, err := auth.IssueToken(secret, u.ID, 24*time.Hour)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Printf("  %s (id %d): %s\n", u.Email, u.ID, token)
	}
}

func seedUsers(ctx context.Context, store *storage.Store) ([]ledger.User, error) {
	out := make([]ledger.User, 0, len(users))
	for _, su := range users {
		u, err := store.UpsertUser(ctx, su.name, su.email, money.MustParse(su.balance))
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", su.email, err)
		}
		for _, a := range su.assets {
			if _, err := store.SetAssetBalance(ctx, u.ID, a.symbol, money.MustParse(a.amount), money.Zero); err != nil {
				return nil, fmt.Errorf("asset %s for %s: %w", a.symbol, su.email, err)
			}
		}
		out = append(out, u)
	}
	return out, nil
}
