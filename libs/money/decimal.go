// Package money provides the fixed scale decimal used for every price,
// quantity and balance in the exchange.
package money

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept by every Decimal.
const Scale = 8

// MaxIntegerDigits matches the NUMERIC(36,8) storage columns.
const MaxIntegerDigits = 36 - Scale

// maxFractionDigits bounds the input precision accepted before rounding.
const maxFractionDigits = 64

var ErrParse = errors.New("malformed decimal")

type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse decimal %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Decimal is an immutable fixed point number with 8 fractional digits.
// The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

var Zero = Decimal{}

func Parse(s string) (Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Decimal{}, &ParseError{Input: s, Err: errors.New("empty input")}
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Decimal{}, &ParseError{Input: s, Err: err}
	}
	// Round rescales the coefficient to the exponent, so an unbounded
	// exponent costs memory and time proportional to its value.
	exp := int64(d.Exponent())
	if exp < -maxFractionDigits {
		return Decimal{}, &ParseError{Input: s, Err: fmt.Errorf("more than %d fractional digits", maxFractionDigits)}
	}
	if int64(d.NumDigits())+exp > MaxIntegerDigits {
		return Decimal{}, &ParseError{Input: s, Err: fmt.Errorf("more than %d integer digits", MaxIntegerDigits)}
	}
	return Decimal{d: d.Round(Scale)}, nil
}

func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func FromInt(v int64) Decimal {
	return Decimal{d: decimal.NewFromInt(v)}
}

func FromFloat(v float64) Decimal {
	return Decimal{d: decimal.NewFromFloat(v).Round(Scale)}
}

func (a Decimal) Add(b Decimal) Decimal {
	return Decimal{d: a.d.Add(b.d).Truncate(Scale)}
}

func (a Decimal) Sub(b Decimal) Decimal {
	return Decimal{d: a.d.Sub(b.d).Truncate(Scale)}
}

// Mul multiplies exactly and truncates the product to Scale digits.
func (a Decimal) Mul(b Decimal) Decimal {
	return Decimal{d: a.d.Mul(b.d).Truncate(Scale)}
}

func (a Decimal) Cmp(b Decimal) int { return a.d.Cmp(b.d) }

func (a Decimal) Equal(b Decimal) bool              { return a.d.Equal(b.d) }
func (a Decimal) LessThan(b Decimal) bool           { return a.d.LessThan(b.d) }
func (a Decimal) LessThanOrEqual(b Decimal) bool    { return a.d.LessThanOrEqual(b.d) }
func (a Decimal) GreaterThan(b Decimal) bool        { return a.d.GreaterThan(b.d) }
func (a Decimal) GreaterThanOrEqual(b Decimal) bool { return a.d.GreaterThanOrEqual(b.d) }
func (a Decimal) IsZero() bool                      { return a.d.IsZero() }
func (a Decimal) IsPositive() bool                  { return a.d.IsPositive() }
func (a Decimal) IsNegative() bool                  { return a.d.IsNegative() }

// String renders the canonical form: no trailing zeros, no trailing point,
// "0" for zero.
func (a Decimal) String() string {
	if a.d.IsZero() {
		return "0"
	}
	return a.d.String()
}

// Fixed renders exactly Scale fractional digits, the storage form.
func (a Decimal) Fixed() string {
	return a.d.StringFixed(Scale)
}

func Min(a, b Decimal) Decimal {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

func Sum(values ...Decimal) Decimal {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func (a Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (a *Decimal) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		*a = Zero
		return nil
	}
	raw = bytes.Trim(raw, `"`)
	d, err := Parse(string(raw))
	if err != nil {
		return err
	}
	*a = d
	return nil
}

func (a Decimal) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Decimal) UnmarshalText(text []byte) error {
	d, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = d
	return nil
}
