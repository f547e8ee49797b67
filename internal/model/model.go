// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PollStatus is the lifecycle state of a poll.
type PollStatus string

const (
	PollOpen      PollStatus = "open"
	PollClosed    PollStatus = "closed"
	PollResolved  PollStatus = "resolved"
	PollCancelled PollStatus = "cancelled"
)

// Terminal reports whether no further stakes or settlement (other than a
// reset) can happen in this state.
func (s PollStatus) Terminal() bool {
	return s == PollResolved || s == PollCancelled
}

// Poll is a single-round pari-mutuel pool over a fixed set of options.
// WinningOption is set if and only if Status is resolved.
type Poll struct {
	ID            string     `json:"id" db:"id"`
	Title         string     `json:"title" db:"title"`
	Options       []Option   `json:"options"`
	Status        PollStatus `json:"status" db:"status"`
	WinningOption *string    `json:"winning_option,omitempty" db:"winning_option"`
	Round         int        `json:"round" db:"round"` // incremented by every reset
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// HasOption reports whether optionID belongs to the poll.
func (p *Poll) HasOption(optionID string) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// Option belongs to exactly one poll.
type Option struct {
	ID     string `json:"id" db:"id"`
	PollID string `json:"poll_id" db:"poll_id"`
	Label  string `json:"label" db:"label"`
}

// StakeLedger names the underlying ledger a stake was recorded in. The same
// stake row may be visible through both.
type StakeLedger string

const (
	LedgerBets   StakeLedger = "bets"
	LedgerShares StakeLedger = "shares"
)

// Stake is an immutable record of money placed on an option. Only Closed
// may change, once the stake is settled.
type Stake struct {
	ID       string          `json:"id" db:"id"`
	PollID   string          `json:"poll_id" db:"poll_id"`
	UserID   string          `json:"user_id" db:"user_id"`
	OptionID string          `json:"option_id" db:"option_id"`
	Ledger   StakeLedger     `json:"ledger" db:"ledger"`
	Amount   decimal.Decimal `json:"amount" db:"amount"` // always > 0
	Closed   bool            `json:"closed" db:"closed"`
	PlacedAt time.Time       `json:"placed_at" db:"placed_at"`
}

// WalletAccount is derived state: Balance equals the sum of the user's
// WalletTransactions.
type WalletAccount struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TransactionKind classifies a wallet transaction.
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
	KindBetPlaced  TransactionKind = "bet_placed"
	KindBetRefund  TransactionKind = "bet_refund"
	KindPollPayout TransactionKind = "poll_payout"
)

// Credit reports whether the kind always adds to the balance.
func (k TransactionKind) Credit() bool {
	return k == KindDeposit || k == KindBetRefund || k == KindPollPayout
}

// Debit reports whether the kind always subtracts from the balance and so
// requires sufficient funds.
func (k TransactionKind) Debit() bool {
	return k == KindWithdrawal || k == KindBetPlaced
}

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	return k.Credit() || k.Debit()
}

// WalletTransaction is an append-only audit record. IdempotencyKey is unique
// per user.
type WalletTransaction struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // signed
	Kind           TransactionKind `json:"kind" db:"kind"`
	Description    string          `json:"description" db:"description"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	BalanceAfter   decimal.Decimal `json:"balance_after" db:"balance_after"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// EventKind is the kind of settlement event.
type EventKind string

const (
	EventCancel  EventKind = "cancel"
	EventReset   EventKind = "reset"
	EventResolve EventKind = "resolve"
)

// EventStatus tracks the progress of a settlement event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
)

// SettlementEvent records one cancel/reset/resolve of one poll round.
type SettlementEvent struct {
	ID            string      `json:"id" db:"id"` // "<kind>:<pollID>:<round>"
	PollID        string      `json:"poll_id" db:"poll_id"`
	Round         int         `json:"round" db:"round"`
	Kind          EventKind   `json:"kind" db:"kind"`
	WinningOption string      `json:"winning_option,omitempty" db:"winning_option"`
	Status        EventStatus `json:"status" db:"status"`
	Result        Summary     `json:"result"`
	FailureReason string      `json:"failure_reason,omitempty" db:"failure_reason"`
	TriggeredAt   time.Time   `json:"triggered_at" db:"triggered_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// Summary is the structured result of a settlement event: users credited
// and the total credited to them.
type Summary struct {
	Users int             `json:"users"`
	Total decimal.Decimal `json:"total"`
}

// OddsSnapshot is derived history: pool totals per option after a stake.
type OddsSnapshot struct {
	ID      string                     `json:"id" db:"id"`
	PollID  string                     `json:"poll_id" db:"poll_id"`
	Totals  map[string]decimal.Decimal `json:"totals"` // optionID → pooled amount
	Total   decimal.Decimal            `json:"total" db:"total"`
	TakenAt time.Time                  `json:"taken_at" db:"taken_at"`
}

// Finalization is the atomic end of a settlement event: poll status change,
// stake/history bookkeeping and event completion in one store operation.
type Finalization struct {
	PollID        string
	Round         int // expected current round; mismatch is a conflict
	Status        PollStatus
	WinningOption *string
	PurgeStakes   bool // delete stakes and odds snapshots
	CloseStakes   bool // mark remaining stakes closed
	NextRound     bool
	EventID       string
	Result        Summary
	CompletedAt   time.Time
}
