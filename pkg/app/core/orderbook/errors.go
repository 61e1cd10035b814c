package orderbook

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both a missing order and an order owned by someone
	// else; callers cannot tell the two apart.
	ErrNotFound = errors.New("order does not exist or belongs to different user or has already been finalized or other error cases")

	ErrInsufficientLiquidity = errors.New("insufficient resting liquidity for market order")
	ErrUnrecognizedOrderType = errors.New("unrecognized order type")
	ErrNoPriceHistory        = errors.New("no price history found for the given month")
)

// ValidationError reports a malformed order field. The book itself assumes
// validated input; request parsers produce these.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
