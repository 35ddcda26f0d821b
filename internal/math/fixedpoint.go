package math

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Fixed-point scales used throughout the market ledgers.
var (
	// Q64 scales per-unit-liquidity PnL growth.
	Q64 = pow2(64)
	// Q96 scales prices, premium rates and funding growth.
	Q96 = pow2(96)
	// BasisPoints is the divisor for every *_rate config field.
	BasisPoints = NewUint(BasisPointsDivisor)

	zero = Uint{}
	one  = NewUint(1)
)

const BasisPointsDivisor = 10_000

// VertexNum is the number of vertices on a market's premium curve.
const VertexNum = 10

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Uint is a 256-bit unsigned fixed-point value. It is a plain value type:
// copies never alias.
type Uint struct {
	u uint256.Int
}

// NewUint creates a Uint from a uint64.
func NewUint(v uint64) Uint {
	return Uint{*uint256.NewInt(v)}
}

func pow2(n uint) Uint {
	var z Uint
	z.u.Lsh(uint256.NewInt(1), n)
	return z
}

// Zero returns the zero value.
func Zero() Uint { return zero }

// UintFromBig converts a big.Int. Negative or >256-bit values are rejected.
func UintFromBig(b *big.Int) (Uint, error) {
	if b.Sign() < 0 {
		return zero, errors.Wrapf(ErrUnderflow, "negative value %s", b)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return zero, errors.Wrapf(ErrOverflow, "value %s", b)
	}
	return Uint{*u}, nil
}

// UintFromString parses a base-10 string.
func UintFromString(s string) (Uint, error) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return zero, fmt.Errorf("invalid unsigned integer %q", s)
	}
	return UintFromBig(b)
}

// MustUint parses s and panics on error. Intended for constants and tests.
func MustUint(s string) Uint {
	u, err := UintFromString(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (x Uint) Add(y Uint) (Uint, error) {
	var z Uint
	if _, overflow := z.u.AddOverflow(&x.u, &y.u); overflow {
		return zero, errors.Wrapf(ErrOverflow, "%s + %s", x, y)
	}
	return z, nil
}

func (x Uint) Sub(y Uint) (Uint, error) {
	var z Uint
	if _, underflow := z.u.SubOverflow(&x.u, &y.u); underflow {
		return zero, errors.Wrapf(ErrUnderflow, "%s - %s", x, y)
	}
	return z, nil
}

func (x Uint) Mul(y Uint) (Uint, error) {
	var z Uint
	if _, overflow := z.u.MulOverflow(&x.u, &y.u); overflow {
		return zero, errors.Wrapf(ErrOverflow, "%s * %s", x, y)
	}
	return z, nil
}

// Div returns ⌊x/y⌋.
func (x Uint) Div(y Uint) (Uint, error) {
	if y.IsZero() {
		return zero, ErrDivideByZero
	}
	var z Uint
	z.u.Div(&x.u, &y.u)
	return z, nil
}

// AddInt applies a signed delta to an unsigned ledger field.
func (x Uint) AddInt(d Int) (Uint, error) {
	if d.neg {
		return x.Sub(d.mag)
	}
	return x.Add(d.mag)
}

func (x Uint) Or(y Uint) Uint {
	var z Uint
	z.u.Or(&x.u, &y.u)
	return z
}

func (x Uint) Cmp(y Uint) int   { return x.u.Cmp(&y.u) }
func (x Uint) LT(y Uint) bool   { return x.u.Lt(&y.u) }
func (x Uint) LTE(y Uint) bool  { return !x.u.Gt(&y.u) }
func (x Uint) GT(y Uint) bool   { return x.u.Gt(&y.u) }
func (x Uint) GTE(y Uint) bool  { return !x.u.Lt(&y.u) }
func (x Uint) EQ(y Uint) bool   { return x.u.Eq(&y.u) }
func (x Uint) IsZero() bool     { return x.u.IsZero() }
func (x Uint) Uint64() uint64   { return x.u.Uint64() }
func (x Uint) IsUint64() bool   { return x.u.IsUint64() }
func (x Uint) BigInt() *big.Int { return x.u.ToBig() }

// ToInt returns x as a non-negative Int.
func (x Uint) ToInt() Int { return Int{mag: x} }

// Neg returns -x as an Int.
func (x Uint) Neg() Int { return Int{neg: !x.IsZero(), mag: x} }

// Bytes32 returns the big-endian encoding, used for state digests.
func (x Uint) Bytes32() [32]byte { return x.u.Bytes32() }

func (x Uint) String() string { return x.u.ToBig().String() }

func (x Uint) MarshalText() ([]byte, error) { return []byte(x.String()), nil }

func (x *Uint) UnmarshalText(b []byte) error {
	u, err := UintFromString(string(b))
	if err != nil {
		return err
	}
	*x = u
	return nil
}

// MarshalJSON encodes as a quoted decimal string so values above 2^53
// survive JSON consumers.
func (x Uint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.String() + `"`), nil
}

func (x *Uint) UnmarshalJSON(b []byte) error {
	return x.UnmarshalText([]byte(strings.Trim(string(b), `"`)))
}

// Min returns the smaller of a and b.
func Min(a, b Uint) Uint {
	if a.LT(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Uint) Uint {
	if a.GT(b) {
		return a
	}
	return b
}

// Sum adds all values, failing on overflow.
func Sum(vals ...Uint) (Uint, error) {
	acc := zero
	for _, v := range vals {
		var err error
		if acc, err = acc.Add(v); err != nil {
			return zero, err
		}
	}
	return acc, nil
}

// MulDiv returns ⌊x·y/d⌋ computed over a 512-bit intermediate.
func MulDiv(x, y, d Uint) (Uint, error) {
	if d.IsZero() {
		return zero, errors.Wrapf(ErrDivideByZero, "mulDiv(%s, %s, 0)", x, y)
	}
	var z Uint
	if _, overflow := z.u.MulDivOverflow(&x.u, &y.u, &d.u); overflow {
		return zero, errors.Wrapf(ErrOverflow, "mulDiv(%s, %s, %s)", x, y, d)
	}
	return z, nil
}

// MulDivUp returns ⌈x·y/d⌉.
func MulDivUp(x, y, d Uint) (Uint, error) {
	_, up, err := MulDiv2(x, y, d)
	return up, err
}

// MulDiv2 returns both ⌊x·y/d⌋ and ⌈x·y/d⌉ from one product. The ceiling is
// floor+1 exactly when x·y mod d != 0.
func MulDiv2(x, y, d Uint) (down, up Uint, err error) {
	if down, err = MulDiv(x, y, d); err != nil {
		return zero, zero, err
	}
	var rem uint256.Int
	rem.MulMod(&x.u, &y.u, &d.u)
	if rem.IsZero() {
		return down, down, nil
	}
	if up, err = down.Add(one); err != nil {
		return zero, zero, err
	}
	return down, up, nil
}

// MulDivRounding dispatches on mode.
func MulDivRounding(x, y, d Uint, mode RoundingMode) (Uint, error) {
	if mode == RoundUp {
		return MulDivUp(x, y, d)
	}
	return MulDiv(x, y, d)
}

// CeilDiv returns ⌈a/b⌉.
func CeilDiv(a, b Uint) (Uint, error) {
	if b.IsZero() {
		return zero, errors.Wrapf(ErrDivideByZero, "ceilDiv(%s, 0)", a)
	}
	if a.IsZero() {
		return zero, nil
	}
	var z Uint
	z.u.Sub(&a.u, &one.u)
	z.u.Div(&z.u, &b.u)
	z.u.Add(&z.u, &one.u)
	return z, nil
}

// ApplyBasisPoints returns x·rate/BasisPoints with the given rounding.
func ApplyBasisPoints(x Uint, rate uint32, mode RoundingMode) (Uint, error) {
	return MulDivRounding(x, NewUint(uint64(rate)), BasisPoints, mode)
}
