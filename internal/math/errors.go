package math

import "github.com/pkg/errors"

// Arithmetic failures. They are always fatal to the calling operation.
var (
	ErrOverflow     = errors.New("arithmetic overflow")
	ErrUnderflow    = errors.New("arithmetic underflow")
	ErrDivideByZero = errors.New("divide by zero")
)
