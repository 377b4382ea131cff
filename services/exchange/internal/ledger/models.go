package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func ParseSide(v string) (Side, error) {
	side := Side(strings.ToLower(strings.TrimSpace(v)))
	if !side.Valid() {
		return "", fmt.Errorf("unknown side %q", v)
	}
	return side, nil
}

type OrderStatus int16

const (
	StatusOpen      OrderStatus = 1
	StatusFilled    OrderStatus = 2
	StatusCancelled OrderStatus = 3
)

func (s OrderStatus) Valid() bool {
	return s == StatusOpen || s == StatusFilled || s == StatusCancelled
}

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("STATUS(%d)", int16(s))
	}
}

// Supported symbols, quoted in USD.
const (
	SymbolBTC = "BTC"
	SymbolETH = "ETH"
)

var Symbols = []string{SymbolBTC, SymbolETH}

func ValidSymbol(symbol string) bool {
	for _, s := range Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

type User struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	Balance   money.Decimal `json:"balance"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Asset struct {
	ID           int64         `json:"id"`
	UserID       int64         `json:"user_id"`
	Symbol       string        `json:"symbol"`
	Amount       money.Decimal `json:"amount"`
	LockedAmount money.Decimal `json:"locked_amount"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type Order struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id"`
	Symbol    string        `json:"symbol"`
	Side      Side          `json:"side"`
	Price     money.Decimal `json:"price"`
	Amount    money.Decimal `json:"amount"`
	LockedUSD money.Decimal `json:"locked_usd"`
	Status    OrderStatus   `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (o Order) IsOpen() bool { return o.Status == StatusOpen }

// Notional is price times amount.
func (o Order) Notional() money.Decimal { return o.Price.Mul(o.Amount) }

type Trade struct {
	ID          int64         `json:"id"`
	BuyOrderID  int64         `json:"buy_order_id"`
	SellOrderID int64         `json:"sell_order_id"`
	Symbol      string        `json:"symbol"`
	Price       money.Decimal `json:"price"`
	Amount      money.Decimal `json:"amount"`
	Fee         money.Decimal `json:"fee"`
	CreatedAt   time.Time     `json:"created_at"`
}

func (t Trade) Total() money.Decimal { return t.Price.Mul(t.Amount) }

const NotificationOrderFilled = "order-filled"

type Notification struct {
	ID        uuid.UUID       `json:"id"`
	UserID    int64           `json:"user_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	ReadAt    *time.Time      `json:"read_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrderFilter selects orders for ListOpenOrders. Status defaults to OPEN.
type OrderFilter struct {
	Symbol string
	Side   *Side
	Status *OrderStatus
}

func (f OrderFilter) EffectiveStatus() OrderStatus {
	if f.Status == nil {
		return StatusOpen
	}
	return *f.Status
}
