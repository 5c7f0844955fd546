package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// E18 is the fixed-point scale shared by all monetary values (1e18),
// matching the on-chain integer convention.
var E18 = uint256.NewInt(1_000_000_000_000_000_000)

// Amount is an unsigned 256-bit fixed-point integer. It crosses the wire as
// a decimal string, never as a float: JSON numbers cannot represent E18
// values without precision loss.
type Amount struct {
	uint256.Int
}

// Amt wraps a uint256 as an Amount. A nil input is the zero amount.
func Amt(v *uint256.Int) Amount {
	if v == nil {
		return Amount{}
	}
	return Amount{*v}
}

// AmountFromDec parses a decimal string into an Amount.
func AmountFromDec(s string) (Amount, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: bad amount %q", ErrInvalidInput, s)
	}
	return Amount{*v}, nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Dec() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("%w: bad amount %q", ErrInvalidInput, s)
	}
	a.Int = *v
	return nil
}

// U returns the underlying uint256 for arithmetic.
func (a *Amount) U() *uint256.Int {
	return &a.Int
}

// MulE18 computes a*b/1e18.
func MulE18(a, b *uint256.Int) *uint256.Int {
	z := new(uint256.Int).Mul(a, b)
	return z.Div(z, E18)
}

// DivE18 computes a*1e18/b. A zero divisor yields zero; callers validate
// rates and prices before dividing.
func DivE18(a, b *uint256.Int) *uint256.Int {
	if b.IsZero() {
		return uint256.NewInt(0)
	}
	z := new(uint256.Int).Mul(a, E18)
	return z.Div(z, b)
}
