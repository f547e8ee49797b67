// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded),
// Redis (read-through cache) and in-memory (for testing).
//
// Every mutating method is atomic: it commits completely or not at all.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
)

// Store is the persistence interface. Errors are reported in the terms of
// the model error taxonomy (ErrNotFound, ErrConflict, ErrStoreFailure, ...).
type Store interface {
	// --- Polls ---

	// CreatePoll persists a new poll with its options.
	CreatePoll(ctx context.Context, poll *model.Poll) error

	// GetPoll retrieves a poll and its options.
	GetPoll(ctx context.Context, id string) (*model.Poll, error)

	// ListPolls returns all polls, newest first.
	ListPolls(ctx context.Context) ([]model.Poll, error)

	// TransitionPoll moves a poll from one status to another, provided it is
	// still in from at the given round. Returns ErrConflict otherwise.
	TransitionPoll(ctx context.Context, id string, round int, from, to model.PollStatus) error

	// --- Stake ledger ---

	// PlaceStake atomically applies the bet_placed debit, inserts the stake
	// and records an odds snapshot. The poll must be open. Replaying a stake
	// id that already exists returns the stored stake and true. Replaying a
	// stake id purged by a cancel or reset returns ErrDuplicate.
	PlaceStake(ctx context.Context, stake *model.Stake, debit *model.WalletTransaction) (*model.Stake, bool, error)

	// ListStakes returns all stakes of a poll, open and closed.
	ListStakes(ctx context.Context, pollID string) ([]model.Stake, error)

	// UserExposure returns the user's open stake per poll.
	UserExposure(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	// ListOddsSnapshots returns the derived odds history of a poll, oldest first.
	ListOddsSnapshots(ctx context.Context, pollID string) ([]model.OddsSnapshot, error)

	// --- Wallet ledger ---

	// CreateAccount opens a zero-balance account. ErrDuplicate if it exists.
	CreateAccount(ctx context.Context, userID string) (*model.WalletAccount, error)

	// GetAccount retrieves a wallet account.
	GetAccount(ctx context.Context, userID string) (*model.WalletAccount, error)

	// ApplyTransaction updates the balance and appends tx as one unit. If a
	// transaction with the same (user, idempotency key) exists, nothing is
	// written and the stored transaction is returned with true. Debit kinds
	// fail with ErrInsufficientFunds when the balance would go negative.
	ApplyTransaction(ctx context.Context, tx *model.WalletTransaction) (*model.WalletTransaction, bool, error)

	// ListTransactions returns the user's transaction log, oldest first.
	ListTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error)

	// --- Settlement events ---

	// BeginEvent claims a poll round for ev and returns the stored event. If
	// an event with ev's id exists it is returned unchanged. Otherwise, as one
	// unit: the poll must be at ev.Round (else ErrConflict) and in one of from
	// (else ErrInvalidState), no other event of the poll may be pending (else
	// ErrConflict), ev is inserted as pending and an open poll is closed.
	BeginEvent(ctx context.Context, ev *model.SettlementEvent, from []model.PollStatus) (*model.SettlementEvent, error)

	// GetEvent retrieves a settlement event.
	GetEvent(ctx context.Context, id string) (*model.SettlementEvent, error)

	// FailEvent marks a pending event failed with a reason.
	FailEvent(ctx context.Context, id, reason string) error

	// ReopenEvent moves a failed event back to pending.
	ReopenEvent(ctx context.Context, id string) error

	// FinalizePoll applies f as one unit: poll status and winning option,
	// stake purge or close, round increment and event completion. Returns
	// ErrEventFailed if the event was marked failed, ErrDuplicate if it has
	// already completed and ErrConflict if the poll's round is no longer
	// f.Round.
	FinalizePoll(ctx context.Context, f model.Finalization) error
}
