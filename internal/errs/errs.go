// Package errs collects the sentinel error kinds the engine and its
// collaborators return, following the sentinel-error style of
// fenrir/internal/net (ErrInvalidMessageType, ErrMessageTooShort, ...):
// plain errors.New values, wrapped with fmt.Errorf("...: %w", err) at call
// boundaries.
package errs

import "errors"

// Fatal kinds: these terminate an Engine.Run and surface to the caller.
var (
	ErrOutOfOrderEvent = errors.New("out of order event")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrSchemaError       = errors.New("schema error")
)

// Non-fatal kinds: reported to the submitting strategy as a Rejection, the
// run continues.
var (
	ErrUnknownSymbol        = errors.New("unknown symbol")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrGuardBlocked         = errors.New("guard blocked")
)
