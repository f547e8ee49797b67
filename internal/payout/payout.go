// Package payout implements the pari-mutuel return calculation for a
// single-round pool: every stake on a losing option is redistributed among
// the stakes on the winning option in proportion to their size.
//
// The functions are pure. They take the full stake set of a poll and never
// touch storage, so they can be checked exhaustively in tests:
//   - a lone winner takes its own stake plus the entire losing pool
//   - with no losing pool every winner gets exactly its stake back
//   - otherwise extra = losingPool × stake / winningPool
//
// All monetary values use shopspring/decimal, never float64.
// Returns are truncated toward zero at Scale; when a whole pool is settled
// the truncation remainder is assigned deterministically (see PayoutPlan).
package payout

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
)

var (
	// ErrNonPositiveStake is returned when the stake a return is computed
	// for is zero or negative.
	ErrNonPositiveStake = fmt.Errorf("payout: stake must be positive: %w", model.ErrInvalidAmount)

	// ErrEmptyWinningPool is returned when the winning pool is not positive
	// even though it must contain the caller's own stake.
	ErrEmptyWinningPool = fmt.Errorf("payout: winning pool is empty: %w", model.ErrInvariantViolation)

	// Scale is the number of decimal places of the settlement currency.
	Scale int32 = 2
)

// Pools is the split of a poll's open stakes around one option.
type Pools struct {
	Winning decimal.Decimal // Σ stakes on the option
	Losing  decimal.Decimal // Σ stakes on every other option
	Winners int             // distinct users holding a stake on the option
}

// Split partitions stakes into the pool of option and the pool of every
// other option. Stakes are deduplicated and closed stakes ignored.
func Split(option string, stakes []model.Stake) Pools {
	p := Pools{Winning: decimal.Zero, Losing: decimal.Zero}
	users := make(map[string]struct{})
	for _, s := range OpenStakes(stakes) {
		if s.OptionID == option {
			p.Winning = p.Winning.Add(s.Amount)
			users[s.UserID] = struct{}{}
		} else {
			p.Losing = p.Losing.Add(s.Amount)
		}
	}
	p.Winners = len(users)
	return p
}

// ProjectedReturn computes what a new stake of amount on option would return
// if option wins. The amount is added to the winning pool as a hypothetical;
// the existing stakes are taken as they are.
func ProjectedReturn(amount decimal.Decimal, option string, stakes []model.Stake) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrNonPositiveStake
	}
	p := Split(option, stakes)
	return computeReturn(amount, p.Winning.Add(amount), p.Losing, p.Winners == 0)
}

// ExistingReturn computes what userID's open stakes on option, already
// present in stakes, return if option wins. Pool sums are taken as-is so the
// user's own stake is not counted twice.
func ExistingReturn(userID, option string, stakes []model.Stake) (decimal.Decimal, error) {
	amount := decimal.Zero
	for _, s := range OpenStakes(stakes) {
		if s.UserID == userID && s.OptionID == option {
			amount = amount.Add(s.Amount)
		}
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrNonPositiveStake
	}
	p := Split(option, stakes)
	return computeReturn(amount, p.Winning, p.Losing, p.Winners == 1)
}

// computeReturn applies the pari-mutuel rule to a stake whose winning pool
// already includes it.
func computeReturn(amount, winningPool, losingPool decimal.Decimal, sole bool) (decimal.Decimal, error) {
	if losingPool.IsZero() {
		return amount, nil
	}
	if sole {
		return amount.Add(losingPool), nil
	}
	if !winningPool.IsPositive() || winningPool.LessThan(amount) {
		return decimal.Zero, ErrEmptyWinningPool
	}
	// Multiply before dividing so exact shares stay exact.
	extra := losingPool.Mul(amount).Div(winningPool).Truncate(Scale)
	return amount.Add(extra), nil
}

// OpenStakes returns the stakes that still hold money in the pool: each
// stake id once, closed stakes dropped, ordered by user then stake id.
func OpenStakes(stakes []model.Stake) []model.Stake {
	seen := make(map[string]struct{}, len(stakes))
	open := make([]model.Stake, 0, len(stakes))
	for _, s := range stakes {
		if s.Closed {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		open = append(open, s)
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].UserID != open[j].UserID {
			return open[i].UserID < open[j].UserID
		}
		return open[i].ID < open[j].ID
	})
	return open
}

// Totals returns the pooled amount per option over the open stakes.
func Totals(stakes []model.Stake) (map[string]decimal.Decimal, decimal.Decimal) {
	totals := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, s := range OpenStakes(stakes) {
		totals[s.OptionID] = totals[s.OptionID].Add(s.Amount)
		total = total.Add(s.Amount)
	}
	return totals, total
}
