// Package amount handles stablecoin values as fixed-scale integers.
// Display strings are parsed and rendered only at the boundary.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fraction digits of the stablecoin.
const Decimals = 6

var (
	ErrInvalid     = errors.New("amount must be a positive decimal number")
	ErrPrecision   = fmt.Errorf("amount supports at most %d decimal places", Decimals)
	ErrOutOfBounds = errors.New("amount out of bounds")
)

var plainDecimal = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Amount is a value in the token's smallest unit (1e-6 of the display unit).
type Amount int64

// Parse converts a display string such as "25.00" into smallest units.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if !plainDecimal.MatchString(s) {
		return 0, ErrInvalid
	}
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 > Decimals {
		return 0, ErrPrecision
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalid
	}
	units := d.Shift(Decimals)
	if !units.IsInteger() {
		return 0, ErrPrecision
	}
	bi := units.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOutOfBounds
	}
	return Amount(bi.Int64()), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBig converts on-chain smallest units.
func FromBig(v *big.Int) (Amount, error) {
	if v == nil || v.Sign() < 0 || !v.IsInt64() {
		return 0, ErrOutOfBounds
	}
	return Amount(v.Int64()), nil
}

// Units returns the raw smallest-unit count.
func (a Amount) Units() int64 { return int64(a) }

// Big returns the value for ABI encoding.
func (a Amount) Big() *big.Int { return big.NewInt(int64(a)) }

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// String renders the display value with at least two fraction digits.
func (a Amount) String() string {
	d := a.Decimal()
	s := d.String()
	frac := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac = len(s) - i - 1
	}
	if frac < 2 {
		return d.StringFixed(2)
	}
	return s
}

// Signed renders the value with a leading sign, "-" for outbound and "+" for inbound.
func (a Amount) Signed(outbound bool) string {
	if outbound {
		return "-" + a.String()
	}
	return "+" + a.String()
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Bounds is an inclusive range in smallest units.
type Bounds struct {
	Min Amount
	Max Amount
}

// ParseBounds reads display strings for the lower and upper limit.
func ParseBounds(min, max string) (Bounds, error) {
	lo, err := Parse(min)
	if err != nil {
		return Bounds{}, fmt.Errorf("min amount: %w", err)
	}
	hi, err := Parse(max)
	if err != nil {
		return Bounds{}, fmt.Errorf("max amount: %w", err)
	}
	if lo > hi {
		return Bounds{}, fmt.Errorf("min amount %s exceeds max %s", lo, hi)
	}
	return Bounds{Min: lo, Max: hi}, nil
}

func (b Bounds) Check(a Amount) error {
	if a < b.Min || a > b.Max {
		return fmt.Errorf("%w: must be between %s and %s", ErrOutOfBounds, b.Min, b.Max)
	}
	return nil
}
