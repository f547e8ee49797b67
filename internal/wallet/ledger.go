// Package wallet is the only writer of wallet balances. Every change is a
// signed WalletTransaction applied atomically with the balance update and
// deduplicated by its idempotency key.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/metrics"
	"github.com/atmx/pool-settlement/internal/model"
	"github.com/atmx/pool-settlement/internal/payout"
	"github.com/atmx/pool-settlement/internal/store"
)

// ErrInvalidEntry is returned for entries missing a user, key or known kind.
var ErrInvalidEntry = errors.New("wallet: invalid entry")

// Entry is a request to move money in or out of one account.
type Entry struct {
	UserID         string
	Amount         decimal.Decimal // signed: credits > 0, debits < 0
	Kind           model.TransactionKind
	Description    string
	IdempotencyKey string
}

// NewTransaction validates e and builds the transaction record to store.
func NewTransaction(e Entry, now time.Time) (*model.WalletTransaction, error) {
	if e.UserID == "" || e.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: user id and idempotency key are required", ErrInvalidEntry)
	}
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	if e.Kind.Credit() && !e.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s must be positive, got %s", model.ErrInvalidAmount, e.Kind, e.Amount)
	}
	if e.Kind.Debit() && !e.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s must be negative, got %s", model.ErrInvalidAmount, e.Kind, e.Amount)
	}
	if !e.Amount.Equal(e.Amount.Truncate(payout.Scale)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", model.ErrInvalidAmount, e.Amount, payout.Scale)
	}
	return &model.WalletTransaction{
		ID:             uuid.New().String(),
		UserID:         e.UserID,
		Amount:         e.Amount,
		Kind:           e.Kind,
		Description:    e.Description,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      now.UTC(),
	}, nil
}

// Ledger applies entries against a store.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a wallet ledger over st.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st, now: time.Now}
}

// Apply applies one entry. Re-applying an entry with the same idempotency
// key is a no-op that returns the original transaction and true.
func (l *Ledger) Apply(ctx context.Context, e Entry) (*model.WalletTransaction, bool, error) {
	tx, err := NewTransaction(e, l.now())
	if err != nil {
		return nil, false, err
	}

	stored, replayed, err := l.store.ApplyTransaction(ctx, tx)
	if err != nil {
		return nil, false, fmt.Errorf("apply %s for %s: %w", e.Kind, e.UserID, err)
	}

	metrics.WalletTransactions.WithLabelValues(string(e.Kind), fmt.Sprint(replayed)).Inc()
	slog.Debug("wallet transaction",
		"tx", stored.ID,
		"user", stored.UserID,
		"kind", stored.Kind,
		"amount", stored.Amount.String(),
		"balance", stored.BalanceAfter.String(),
		"replayed", replayed,
	)
	return stored, replayed, nil
}

// Open creates an empty account for userID.
func (l *Ledger) Open(ctx context.Context, userID string) (*model.WalletAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidEntry)
	}
	return l.store.CreateAccount(ctx, userID)
}

// Deposit credits an externally authorized deposit.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal, key string) (*model.WalletTransaction, bool, error) {
	return l.Apply(ctx, Entry{
		UserID:         userID,
		Amount:         amount,
		Kind:           model.KindDeposit,
		Description:    "deposit",
		IdempotencyKey: "deposit:" + key,
	})
}

// Withdraw debits an externally authorized withdrawal. The balance must
// cover it.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, key string) (*model.WalletTransaction, bool, error) {
	return l.Apply(ctx, Entry{
		UserID:         userID,
		Amount:         amount.Neg(),
		Kind:           model.KindWithdrawal,
		Description:    "withdrawal",
		IdempotencyKey: "withdrawal:" + key,
	})
}

// Balance returns the account of userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.WalletAccount, error) {
	return l.store.GetAccount(ctx, userID)
}

// History returns the transaction log of userID.
func (l *Ledger) History(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	if _, err := l.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, userID)
}

// Audit recomputes the balance of userID by replaying its transaction log
// and compares it with the stored balance.
func (l *Ledger) Audit(ctx context.Context, userID string) (decimal.Decimal, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	txs, err := l.store.ListTransactions(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	replayed := decimal.Zero
	for _, tx := range txs {
		replayed = replayed.Add(tx.Amount)
	}
	if !replayed.Equal(acc.Balance) {
		return replayed, fmt.Errorf("%w: account %s balance %s, log sums to %s",
			model.ErrInvariantViolation, userID, acc.Balance, replayed)
	}
	return replayed, nil
}
