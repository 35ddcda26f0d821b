package math

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Int is a signed value: a sign flag over a Uint magnitude. Zero is never
// negative.
type Int struct {
	neg bool
	mag Uint
}

// NewInt creates an Int from an int64.
func NewInt(v int64) Int {
	if v < 0 {
		// -v overflows for MinInt64, so go through uint64 arithmetic.
		return Int{neg: true, mag: NewUint(uint64(^v) + 1)}
	}
	return Int{mag: NewUint(uint64(v))}
}

// IntFromString parses a signed base-10 string.
func IntFromString(s string) (Int, error) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Int{}, fmt.Errorf("invalid integer %q", s)
	}
	mag, err := UintFromBig(new(big.Int).Abs(b))
	if err != nil {
		return Int{}, err
	}
	return Int{neg: b.Sign() < 0, mag: mag}, nil
}

func (x Int) Add(y Int) (Int, error) {
	if x.neg == y.neg {
		mag, err := x.mag.Add(y.mag)
		if err != nil {
			return Int{}, err
		}
		return normalize(x.neg, mag), nil
	}
	// Opposite signs: the larger magnitude decides the sign.
	if x.mag.GTE(y.mag) {
		mag, _ := x.mag.Sub(y.mag)
		return normalize(x.neg, mag), nil
	}
	mag, _ := y.mag.Sub(x.mag)
	return normalize(y.neg, mag), nil
}

func (x Int) Sub(y Int) (Int, error) {
	return x.Add(y.Neg())
}

func (x Int) AddUint(y Uint) (Int, error) { return x.Add(y.ToInt()) }
func (x Int) SubUint(y Uint) (Int, error) { return x.Add(y.Neg()) }

func (x Int) Neg() Int { return normalize(!x.neg, x.mag) }

// Abs returns the magnitude.
func (x Int) Abs() Uint { return x.mag }

// ToUint converts a non-negative Int, failing with ErrUnderflow otherwise.
func (x Int) ToUint() (Uint, error) {
	if x.neg {
		return zero, errors.Wrapf(ErrUnderflow, "negative value %s", x)
	}
	return x.mag, nil
}

func (x Int) Sign() int {
	switch {
	case x.mag.IsZero():
		return 0
	case x.neg:
		return -1
	default:
		return 1
	}
}

func (x Int) IsZero() bool     { return x.mag.IsZero() }
func (x Int) IsNegative() bool { return x.neg }
func (x Int) IsPositive() bool { return !x.neg && !x.mag.IsZero() }

func (x Int) Cmp(y Int) int {
	switch {
	case x.neg && !y.neg:
		return -1
	case !x.neg && y.neg:
		return 1
	case x.neg:
		return y.mag.Cmp(x.mag)
	default:
		return x.mag.Cmp(y.mag)
	}
}

// CmpUint compares x against an unsigned value.
func (x Int) CmpUint(y Uint) int { return x.Cmp(y.ToInt()) }

func (x Int) BigInt() *big.Int {
	b := x.mag.BigInt()
	if x.neg {
		b.Neg(b)
	}
	return b
}

func (x Int) String() string { return x.BigInt().String() }

func (x Int) MarshalText() ([]byte, error) { return []byte(x.String()), nil }

func (x *Int) UnmarshalText(b []byte) error {
	i, err := IntFromString(string(b))
	if err != nil {
		return err
	}
	*x = i
	return nil
}

func (x Int) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.String() + `"`), nil
}

func (x *Int) UnmarshalJSON(b []byte) error {
	return x.UnmarshalText([]byte(strings.Trim(string(b), `"`)))
}

func normalize(neg bool, mag Uint) Int {
	return Int{neg: neg && !mag.IsZero(), mag: mag}
}

// MulDivFloor returns x·y/d rounded toward negative infinity: positive
// results are floored, negative results have their magnitude ceiled.
func MulDivFloor(x Int, y, d Uint) (Int, error) {
	if x.neg {
		mag, err := MulDivUp(x.mag, y, d)
		if err != nil {
			return Int{}, err
		}
		return normalize(true, mag), nil
	}
	mag, err := MulDiv(x.mag, y, d)
	if err != nil {
		return Int{}, err
	}
	return Int{mag: mag}, nil
}

// MulDivCeil returns x·y/d rounded toward positive infinity.
func MulDivCeil(x Int, y, d Uint) (Int, error) {
	if x.neg {
		mag, err := MulDiv(x.mag, y, d)
		if err != nil {
			return Int{}, err
		}
		return normalize(true, mag), nil
	}
	mag, err := MulDivUp(x.mag, y, d)
	if err != nil {
		return Int{}, err
	}
	return Int{mag: mag}, nil
}

// MinInt returns the smaller of a and b.
func MinInt(a, b Int) Int {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

// MaxInt returns the larger of a and b.
func MaxInt(a, b Int) Int {
	if a.Cmp(b) > 0 {
		return a
	}
	return b
}
