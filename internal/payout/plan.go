package payout

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
)

// Credit is one wallet credit a settlement must issue.
type Credit struct {
	UserID string
	Ledger model.StakeLedger // set only for per-ledger refunds
	Stake  decimal.Decimal   // the user's stake behind the credit
	Amount decimal.Decimal
}

// Plan is the full set of credits for one settlement event.
type Plan struct {
	Kind    model.TransactionKind
	Pool    decimal.Decimal // Σ open stakes the plan redistributes
	Credits []Credit        // ordered by user, then ledger
}

// Total returns the sum of all credits.
func (p Plan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Credits {
		total = total.Add(c.Amount)
	}
	return total
}

// Users returns the number of distinct users credited.
func (p Plan) Users() int {
	users := make(map[string]struct{}, len(p.Credits))
	for _, c := range p.Credits {
		users[c.UserID] = struct{}{}
	}
	return len(users)
}

// Check verifies that the plan conserves the pool exactly and that every
// credit is positive and unique per (user, ledger).
func (p Plan) Check() error {
	seen := make(map[string]struct{}, len(p.Credits))
	for _, c := range p.Credits {
		if !c.Amount.IsPositive() {
			return fmt.Errorf("%w: non-positive credit %s for user %s", model.ErrInvariantViolation, c.Amount, c.UserID)
		}
		key := c.UserID + "\x00" + string(c.Ledger)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate credit for user %s", model.ErrInvariantViolation, c.UserID)
		}
		seen[key] = struct{}{}
	}
	if total := p.Total(); !total.Equal(p.Pool) {
		return fmt.Errorf("%w: credits %s != pool %s", model.ErrInvariantViolation, total, p.Pool)
	}
	return nil
}

// RefundPlan returns every open stake to its owner. With perLedger each
// user gets one refund per ledger they staked through; otherwise one refund
// per user.
func RefundPlan(stakes []model.Stake, perLedger bool) (Plan, error) {
	open, err := validated(stakes)
	if err != nil {
		return Plan{}, err
	}

	type key struct {
		user   string
		ledger model.StakeLedger
	}
	sums := make(map[key]decimal.Decimal)
	pool := decimal.Zero
	for _, s := range open {
		k := key{user: s.UserID}
		if perLedger {
			k.ledger = s.Ledger
		}
		sums[k] = sums[k].Add(s.Amount)
		pool = pool.Add(s.Amount)
	}

	plan := Plan{Kind: model.KindBetRefund, Pool: pool}
	for k, amount := range sums {
		plan.Credits = append(plan.Credits, Credit{
			UserID: k.user,
			Ledger: k.ledger,
			Stake:  amount,
			Amount: amount,
		})
	}
	sortCredits(plan.Credits)
	return plan, plan.Check()
}

// PayoutPlan distributes the whole pool among the users holding open stakes
// on winning. Each winner's return is computed with the existing-position
// rule and truncated at Scale; the remainder left by truncation goes to the
// winner with the largest winning stake, ties broken by the smallest user id.
//
// When nobody staked on winning there is no one to redistribute to and every
// open stake is refunded instead.
func PayoutPlan(winning string, stakes []model.Stake) (Plan, error) {
	open, err := validated(stakes)
	if err != nil {
		return Plan{}, err
	}

	winners := make(map[string]decimal.Decimal)
	losing := decimal.Zero
	pool := decimal.Zero
	for _, s := range open {
		pool = pool.Add(s.Amount)
		if s.OptionID == winning {
			winners[s.UserID] = winners[s.UserID].Add(s.Amount)
		} else {
			losing = losing.Add(s.Amount)
		}
	}
	if len(winners) == 0 {
		return RefundPlan(open, false)
	}

	winningPool := pool.Sub(losing)
	plan := Plan{Kind: model.KindPollPayout, Pool: pool}
	for user, stake := range winners {
		amount, err := computeReturn(stake, winningPool, losing, len(winners) == 1)
		if err != nil {
			return Plan{}, err
		}
		plan.Credits = append(plan.Credits, Credit{UserID: user, Stake: stake, Amount: amount})
	}
	sortCredits(plan.Credits)

	remainder := pool.Sub(plan.Total())
	if remainder.IsNegative() {
		return Plan{}, fmt.Errorf("%w: payouts exceed pool by %s", model.ErrInvariantViolation, remainder.Neg())
	}
	if remainder.IsPositive() {
		largest := 0
		for i, c := range plan.Credits {
			if c.Stake.GreaterThan(plan.Credits[largest].Stake) {
				largest = i
			}
		}
		plan.Credits[largest].Amount = plan.Credits[largest].Amount.Add(remainder)
	}
	return plan, plan.Check()
}

func validated(stakes []model.Stake) ([]model.Stake, error) {
	open := OpenStakes(stakes)
	for _, s := range open {
		if !s.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: stake %s has non-positive amount %s", model.ErrInvariantViolation, s.ID, s.Amount)
		}
	}
	return open, nil
}

func sortCredits(credits []Credit) {
	sort.Slice(credits, func(i, j int) bool {
		if credits[i].UserID != credits[j].UserID {
			return credits[i].UserID < credits[j].UserID
		}
		return credits[i].Ledger < credits[j].Ledger
	})
}
