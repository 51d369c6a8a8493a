package engine

import "errors"

// Typed, recoverable failures surfaced to callers. None of them leave the
// ledger partially mutated: the guarding transaction either fully applies
// or fully aborts.
var (
	// ErrInsufficientFunds is returned when a BUY would exceed the user's
	// free balance.
	ErrInsufficientFunds = errors.New("engine: insufficient funds")

	// ErrInsufficientShares is returned when a SELL would exceed the
	// user's unreserved shares.
	ErrInsufficientShares = errors.New("engine: insufficient shares")

	// ErrInvalidInput is returned for malformed order parameters:
	// non-positive quantity, out-of-range limit price, bad side or
	// direction.
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrNotFound is returned when a referenced user, market or order
	// does not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrForbidden is returned when a user acts on an order they do not
	// own.
	ErrForbidden = errors.New("engine: forbidden")

	// ErrInvalidState is returned when cancelling an order that is no
	// longer OPEN.
	ErrInvalidState = errors.New("engine: order not open")

	// ErrMarketUnavailable is returned when a market is inactive or
	// closed for trading.
	ErrMarketUnavailable = errors.New("engine: market unavailable")
)
