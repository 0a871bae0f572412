// Package errs defines the error taxonomy shared by the trading pipeline.
// Callers branch on these sentinels with errors.Is to decide whether a
// failure is retryable at the next tick, skippable, or fatal to the cycle.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrExchangeUnavailable marks network or API transport failures.
	// Retried at the next poll or tick, never within the same call.
	ErrExchangeUnavailable = errors.New("exchange unavailable")

	// ErrInsufficientFunds means the quote balance cannot cover an entry.
	// The entry is skipped; not fatal.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOrderRejected covers orders refused by the exchange or failing
	// the symbol minimums before placement.
	ErrOrderRejected = errors.New("order rejected")

	// ErrOrderTimedOut means an order did not fill within the configured
	// window and was canceled.
	ErrOrderTimedOut = errors.New("order timed out")

	// ErrPersistenceWrite marks a failed store commit. Fatal for the
	// symbol's cycle: exchange and store may now disagree.
	ErrPersistenceWrite = errors.New("persistence write failed")

	// ErrConfigInvalid is fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// Wrap annotates err with a taxonomy sentinel so both errors.Is checks work:
// against kind and against err's own chain.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{kind}, args...)...)
}
