package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

// IsValidation reports whether err carries field errors.
func IsValidation(err error) (ValidationErrors, bool) {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return verrs, true
	}
	return nil, false
}

var (
	minQuantity = money.MustParse("0.00000001")
	maxQuantity = money.MustParse("999999999.99999999")
)

// OrderRequest is a validated limit order.
type OrderRequest struct {
	Symbol string
	Side   ledger.Side
	Price  money.Decimal
	Amount money.Decimal
}

func ValidateOrderRequest(symbol, side, price, amount string) (OrderRequest, ValidationErrors) {
	var req OrderRequest
	var errs ValidationErrors

	req.Symbol = NormalizeSymbol(symbol)
	if req.Symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	} else if !ledger.ValidSymbol(req.Symbol) {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol must be BTC or ETH"})
	}

	if s, err := ledger.ParseSide(side); err != nil {
		errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
	} else {
		req.Side = s
	}

	var err error
	if req.Price, err = parseBounded("price", price); err != nil {
		errs = append(errs, FieldError{Field: "price", Message: err.Error()})
	}
	if req.Amount, err = parseBounded("amount", amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}

	if len(errs) > 0 {
		return OrderRequest{}, errs
	}
	return req, nil
}

// ValidateOrderFilter parses the order book query. status accepts the
// numeric code or the status name and defaults to OPEN.
func ValidateOrderFilter(symbol, side, status string) (ledger.OrderFilter, ValidationErrors) {
	var filter ledger.OrderFilter
	var errs ValidationErrors

	filter.Symbol = NormalizeSymbol(symbol)
	if filter.Symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	} else if !ledger.ValidSymbol(filter.Symbol) {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol must be BTC or ETH"})
	}

	if strings.TrimSpace(side) != "" {
		s, err := ledger.ParseSide(side)
		if err != nil {
			errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
		} else {
			filter.Side = &s
		}
	}

	if strings.TrimSpace(status) != "" {
		st, ok := parseStatus(status)
		if !ok {
			errs = append(errs, FieldError{Field: "status", Message: "status must be 1, 2 or 3"})
		} else {
			filter.Status = &st
		}
	}

	if len(errs) > 0 {
		return ledger.OrderFilter{}, errs
	}
	return filter, nil
}

func ValidateSymbol(symbol string) (string, ValidationErrors) {
	s := NormalizeSymbol(symbol)
	if !ledger.ValidSymbol(s) {
		return "", ValidationErrors{{Field: "symbol", Message: "symbol must be BTC or ETH"}}
	}
	return s, nil
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func parseStatus(raw string) (ledger.OrderStatus, bool) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 16); err == nil {
		st := ledger.OrderStatus(n)
		return st, st.Valid()
	}
	for _, st := range []ledger.OrderStatus{ledger.StatusOpen, ledger.StatusFilled, ledger.StatusCancelled} {
		if strings.EqualFold(raw, st.String()) {
			return st, true
		}
	}
	return 0, false
}

func parseBounded(field, raw string) (money.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return money.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := money.Parse(trimmed)
	if err != nil {
		return money.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThan(minQuantity) {
		return money.Zero, fmt.Errorf("%s must be greater than zero", field)
	}
	if val.GreaterThan(maxQuantity) {
		return money.Zero, fmt.Errorf("%s must not exceed %s", field, maxQuantity)
	}
	return val, nil
}
