// Package fixedpoint provides the exact unsigned fixed-point arithmetic shared
// by the batch engine and the share vault.
//
// Every monetary quantity is an Amount: a non-negative integer of base units
// with an implicit denominator of 1e18. Amounts are 256-bit words; MulDiv
// computes a*b/c through a 512-bit intermediate, so products of realistic
// supplies never overflow before the division. Every division states its
// rounding direction.
package fixedpoint

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the implicit scale of every Amount.
const Decimals = 18

// BpsDenominator is the basis-point denominator (100% = 10000).
const BpsDenominator = 10_000

// Rounding selects the rounding direction of a division.
type Rounding int

const (
	// Floor rounds toward zero. Used for every payout and fee.
	Floor Rounding = iota
	// Ceil rounds away from zero.
	Ceil
)

func (r Rounding) String() string {
	if r == Ceil {
		return "ceil"
	}
	return "floor"
}

// Amount is an unsigned fixed-point value. The zero value is 0 and Amounts
// are comparable with ==.
type Amount struct {
	v uint256.Int
}

var (
	// One is 1.0 (1e18 base units).
	One = mustExp10(Decimals)
)

func mustExp10(n int) Amount {
	var a Amount
	a.v.Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
	return a
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// FromUint64 returns v base units.
func FromUint64(v uint64) Amount {
	var a Amount
	a.v.SetUint64(v)
	return a
}

// Units returns n whole units (n * 1e18 base units).
func Units(n uint64) Amount {
	a, err := FromUint64(n).Mul(One)
	if err != nil {
		// n * 1e18 always fits 256 bits.
		panic(err)
	}
	return a
}

// FromBig converts a non-negative big.Int of base units.
func FromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: negative value %s", ErrInvalidDecimal, b)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, ErrArithmeticOverflow
	}
	return Amount{v: *u}, nil
}

// ParseUnits parses an integer string of base units ("1000000000000000000").
func ParseUnits(s string) (Amount, error) {
	u, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidDecimal, s, err)
	}
	return Amount{v: *u}, nil
}

// Parse parses a human decimal ("100.25") scaled by 1e18. More than 18
// fractional digits are rejected rather than rounded.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidDecimal, s, err)
	}
	if d.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %q is negative", ErrInvalidDecimal, s)
	}
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidDecimal, s, Decimals)
	}
	return FromBig(scaled.BigInt())
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Equal reports a == b. It lets go-cmp compare Amounts.
func (a Amount) Equal(b Amount) bool { return a.v.Eq(&b.v) }

// Lt reports a < b.
func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

// Gt reports a > b.
func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }

// Gte reports a >= b.
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrArithmeticOverflow
	}
	return z, nil
}

// Sub returns a - b; b > a is an underflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, fmt.Errorf("%w: %s - %s underflows", ErrArithmeticOverflow, a, b)
	}
	return z, nil
}

// Mul returns the raw product a * b (no rescaling).
func (a Amount) Mul(b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.v.MulOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrArithmeticOverflow
	}
	return z, nil
}

// MulDiv returns a * b / c rounded as requested. The product is held in 512
// bits; only a quotient that does not fit 256 bits overflows.
func MulDiv(a, b, c Amount, r Rounding) (Amount, error) {
	if c.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	var z Amount
	if _, overflow := z.v.MulDivOverflow(&a.v, &b.v, &c.v); overflow {
		return Amount{}, ErrArithmeticOverflow
	}
	if r == Ceil {
		var rem uint256.Int
		rem.MulMod(&a.v, &b.v, &c.v)
		if !rem.IsZero() {
			return z.Add(FromUint64(1))
		}
	}
	return z, nil
}

// MulFixed returns a * b / 1e18 (fixed-point product).
func MulFixed(a, b Amount, r Rounding) (Amount, error) {
	return MulDiv(a, b, One, r)
}

// DivFixed returns a * 1e18 / b (fixed-point quotient).
func DivFixed(a, b Amount, r Rounding) (Amount, error) {
	return MulDiv(a, One, b, r)
}

// Bps returns a * bps / 10000, floored.
func Bps(a Amount, bps uint32) (Amount, error) {
	return MulDiv(a, FromUint64(uint64(bps)), FromUint64(BpsDenominator), Floor)
}

// Sum adds all amounts.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// Big returns a as a new big.Int of base units.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// String returns the base-unit decimal representation.
func (a Amount) String() string { return a.v.Dec() }

// Decimal returns a scaled down by 1e18 for display.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -Decimals)
}

// Format renders a as a human decimal with trailing zeros trimmed.
func (a Amount) Format() string { return a.Decimal().String() }

// MarshalJSON encodes base units as a JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a JSON string of base units.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: amounts are encoded as strings", ErrInvalidDecimal)
	}
	parsed, err := ParseUnits(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer; amounts are stored as base-unit text.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseUnits(v)
		if err != nil {
			return err
		}
		*a = parsed
	case []byte:
		parsed, err := ParseUnits(string(v))
		if err != nil {
			return err
		}
		*a = parsed
	case int64:
		if v < 0 {
			return fmt.Errorf("%w: negative value %d", ErrInvalidDecimal, v)
		}
		*a = FromUint64(uint64(v))
	case nil:
		*a = Amount{}
	default:
		return fmt.Errorf("fixedpoint: cannot scan %T", src)
	}
	return nil
}
