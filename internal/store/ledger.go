package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
	"github.com/atmx/pool-settlement/internal/payout"
)

// nextBalance returns the balance after tx. Debits may not overdraw.
func nextBalance(balance decimal.Decimal, tx *model.WalletTransaction) (decimal.Decimal, error) {
	next := balance.Add(tx.Amount)
	if tx.Kind.Debit() && next.IsNegative() {
		return balance, fmt.Errorf("%w: balance %s, debit %s", model.ErrInsufficientFunds, balance, tx.Amount.Neg())
	}
	return next, nil
}

// newSnapshot builds the odds snapshot for the open stakes of a poll.
func newSnapshot(pollID string, stakes []model.Stake, at time.Time) *model.OddsSnapshot {
	totals, total := payout.Totals(stakes)
	return &model.OddsSnapshot{
		ID:      uuid.New().String(),
		PollID:  pollID,
		Totals:  totals,
		Total:   total,
		TakenAt: at,
	}
}

// claimable checks that ev may start on poll p.
func claimable(p *model.Poll, ev *model.SettlementEvent, from []model.PollStatus) error {
	if p.Round != ev.Round {
		return fmt.Errorf("poll %s is at round %d, event %s expects %d: %w", p.ID, p.Round, ev.ID, ev.Round, model.ErrConflict)
	}
	for _, st := range from {
		if p.Status == st {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s a %s poll", model.ErrInvalidState, ev.Kind, p.Status)
}

// purgedStake is returned when a stake id was debited before but its row is
// gone because a cancel or reset purged it.
func purgedStake(id string) error {
	return fmt.Errorf("stake %s was already settled: %w", id, model.ErrDuplicate)
}

// finalizable checks that an event in status may still be finalized.
func finalizable(id string, status model.EventStatus) error {
	switch status {
	case model.EventFailed:
		return fmt.Errorf("settlement event %s: %w", id, model.ErrEventFailed)
	case model.EventCompleted:
		return fmt.Errorf("settlement event %s already completed: %w", id, model.ErrDuplicate)
	}
	return nil
}

func txKey(userID, idempotencyKey string) string {
	return userID + "\x00" + idempotencyKey
}

func clonePoll(p *model.Poll) *model.Poll {
	c := *p
	c.Options = append([]model.Option(nil), p.Options...)
	if p.WinningOption != nil {
		w := *p.WinningOption
		c.WinningOption = &w
	}
	return &c
}
