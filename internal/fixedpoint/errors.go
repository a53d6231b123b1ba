package fixedpoint

import "errors"

// Ledger arithmetic errors.
var (
	// ErrArithmeticOverflow is returned when a result (or an intermediate that
	// must fit 256 bits) is out of range, including subtraction below zero.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")

	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrInvalidDecimal is returned when a decimal string cannot be represented.
	ErrInvalidDecimal = errors.New("invalid decimal amount")
)
