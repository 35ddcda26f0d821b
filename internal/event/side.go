package event

import "fmt"

// Side represents trade direction. The zero value is invalid so an unset
// side on the wire is caught by validation.
type Side int32

const (
	SideLong Side = iota + 1
	SideShort
)

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

func (s Side) IsLong() bool { return s == SideLong }

// Flip returns the opposite side.
func (s Side) Flip() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// MarshalText encodes the zero Side as an empty string; a balanced pool
// has no side.
func (s Side) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", int32(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts "long"/"short" and the upper-case forms.
func ParseSide(v string) (Side, error) {
	switch v {
	case "long", "LONG", "buy", "BUY":
		return SideLong, nil
	case "short", "SHORT", "sell", "SELL":
		return SideShort, nil
	default:
		return 0, fmt.Errorf("invalid side %q", v)
	}
}
