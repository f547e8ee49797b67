package model

import "errors"

var (
	// ErrNotFound is returned when a poll, option, account or event is missing.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on concurrent-update contention. Retryable.
	ErrConflict = errors.New("conflict: concurrent update")

	// ErrInvalidState is returned when an operation is illegal for the
	// poll's current status.
	ErrInvalidState = errors.New("invalid poll state")

	// ErrInvariantViolation is returned when computed credits do not
	// conserve the pool, or the ledger holds data that breaks an invariant.
	// Fatal: the settlement event is marked failed.
	ErrInvariantViolation = errors.New("arithmetic invariant violation")

	// ErrStoreFailure wraps transient store errors. Retryable.
	ErrStoreFailure = errors.New("external store failure")

	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive amounts, amounts with
	// more digits than the currency scale, or a sign that contradicts the kind.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrEventFailed is returned when a settlement event previously failed
	// and has not been reprocessed.
	ErrEventFailed = errors.New("settlement event failed")

	// ErrDuplicate is returned when a record with the same identity exists.
	ErrDuplicate = errors.New("duplicate record")
)

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreFailure)
}
