package exchange

import (
	"errors"

	"github.com/amirphl/bridge-trader/internal/market"
)

var (
	// ErrLockFailure is returned when the local venue refuses to lock an order, usually
	// because someone else holds the lock or the order is being matched.
	ErrLockFailure = errors.New("order lock failed")
	// ErrValidationRejected is returned when the venue rejects the payload.
	ErrValidationRejected = errors.New("order rejected by validation")
	// ErrInsufficientBalance is returned when the account cannot fund the request.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTransientNetwork marks failures worth retrying (connection errors, timeouts, 5xx).
	ErrTransientNetwork = errors.New("transient network error")
	// ErrUnknownSystem is returned for a transfer naming a venue we do not talk to.
	ErrUnknownSystem = errors.New("unknown system")
	// ErrOrderNotFound is returned when the venue does not know the order id.
	ErrOrderNotFound = errors.New("order not found")

	ErrMalformedOrderType = market.ErrMalformedOrderType
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
