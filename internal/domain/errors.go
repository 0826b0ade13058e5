package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")
	ErrOrderRejected = errors.New("order rejected")

	// ErrUnavailable means the symbol is not listed on the exchange. It is an
	// expected outcome, not a failure.
	ErrUnavailable = errors.New("symbol unavailable")
	// ErrTransient covers network, timeout and rate-limit failures. Callers
	// retry with backoff; adapters never do.
	ErrTransient         = errors.New("transient network error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrPartialExecution means one leg filled and the other did not. The
	// filled leg is real market exposure until unwound.
	ErrPartialExecution = errors.New("partial execution")
	ErrLedgerInvariant  = errors.New("ledger invariant violated")
	ErrConfig           = errors.New("configuration error")
)
