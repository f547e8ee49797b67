// Package exposure implements per-user stake limits.
//
// A user's exposure in a poll is the sum of their open stakes there. Two
// limits apply to every new stake:
//   - MaxPerPoll caps the exposure in the poll being staked on
//   - MaxOpen caps the exposure summed over every poll
//
// A zero limit disables the check.
package exposure

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrLimitExceeded is the common cause of every limit violation.
	ErrLimitExceeded = errors.New("exposure: stake limit exceeded")

	// ErrPerPollLimitExceeded is returned when a stake would push the user's
	// exposure in one poll beyond the per-poll maximum.
	ErrPerPollLimitExceeded = fmt.Errorf("%w: per-poll", ErrLimitExceeded)

	// ErrOpenLimitExceeded is returned when a stake would push the user's
	// total open exposure across polls beyond the maximum.
	ErrOpenLimitExceeded = fmt.Errorf("%w: total open", ErrLimitExceeded)
)

// StakeLimiter enforces stake limits for a single user.
type StakeLimiter struct {
	// MaxPerPoll is the maximum open stake of one user in one poll.
	MaxPerPoll decimal.Decimal

	// MaxOpen is the maximum open stake of one user across all polls.
	MaxOpen decimal.Decimal
}

// NewStakeLimiter creates a limiter. Zero disables a limit.
func NewStakeLimiter(maxPerPoll, maxOpen decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{MaxPerPoll: maxPerPoll, MaxOpen: maxOpen}
}

// CheckLimit validates whether a new stake of amount in pollID respects the
// limits, given existing (pollID → current open stake) for this user.
func (l *StakeLimiter) CheckLimit(pollID string, amount decimal.Decimal, existing map[string]decimal.Decimal) error {
	inPoll := existing[pollID].Add(amount)
	if l.MaxPerPoll.IsPositive() && inPoll.GreaterThan(l.MaxPerPoll) {
		return fmt.Errorf("%w: %s in poll %s, max %s", ErrPerPollLimitExceeded, inPoll, pollID, l.MaxPerPoll)
	}

	if !l.MaxOpen.IsPositive() {
		return nil
	}
	total := inPoll
	for id, stake := range existing {
		if id != pollID {
			total = total.Add(stake)
		}
	}
	if total.GreaterThan(l.MaxOpen) {
		return fmt.Errorf("%w: %s open, max %s", ErrOpenLimitExceeded, total, l.MaxOpen)
	}
	return nil
}
