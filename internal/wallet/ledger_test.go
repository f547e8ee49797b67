package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-settlement/internal/model"
	"github.com/atmx/pool-settlement/internal/store"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLedger(t *testing.T, users ...string) *Ledger {
	t.Helper()
	l := NewLedger(store.NewMemoryStore())
	for _, u := range users {
		_, err := l.Open(context.Background(), u)
		require.NoError(t, err)
	}
	return l
}

func TestApply_CreditsAndRecordsBalance(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "alice")

	tx, replayed, err := l.Deposit(ctx, "alice", d("100"), "dep-1")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, model.KindDeposit, tx.Kind)
	assert.True(t, tx.BalanceAfter.Equal(d("100")))

	acc, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("100")))
}

func TestApply_ReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "alice")

	entry := Entry{
		UserID:         "alice",
		Amount:         d("25.50"),
		Kind:           model.KindBetRefund,
		Description:    "refund",
		IdempotencyKey: "cancel:p1:0:alice",
	}
	first, replayed, err := l.Apply(ctx, entry)
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := l.Apply(ctx, entry)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	acc, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("25.50")))

	txs, err := l.History(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestApply_SameKeyDifferentUsers(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "alice", "bob")

	_, _, err := l.Deposit(ctx, "alice", d("10"), "k")
	require.NoError(t, err)
	_, replayed, err := l.Deposit(ctx, "bob", d("10"), "k")
	require.NoError(t, err)
	assert.False(t, replayed, "idempotency keys are scoped per user")
}

func TestApply_UnknownAccount(t *testing.T) {
	l := newLedger(t)
	_, _, err := l.Deposit(context.Background(), "ghost", d("1"), "k")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWithdraw_RequiresFunds(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "alice")
	_, _, err := l.Deposit(ctx, "alice", d("50"), "dep")
	require.NoError(t, err)

	_, _, err = l.Withdraw(ctx, "alice", d("50.01"), "w1")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	tx, _, err := l.Withdraw(ctx, "alice", d("50"), "w2")
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(d("-50")))
	assert.True(t, tx.BalanceAfter.IsZero())
}

func TestNewTransaction_Validation(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"missing key", Entry{UserID: "u", Amount: d("1"), Kind: model.KindDeposit}, ErrInvalidEntry},
		{"missing user", Entry{Amount: d("1"), Kind: model.KindDeposit, IdempotencyKey: "k"}, ErrInvalidEntry},
		{"unknown kind", Entry{UserID: "u", Amount: d("1"), Kind: "bonus", IdempotencyKey: "k"}, ErrInvalidEntry},
		{"negative credit", Entry{UserID: "u", Amount: d("-1"), Kind: model.KindPollPayout, IdempotencyKey: "k"}, model.ErrInvalidAmount},
		{"zero credit", Entry{UserID: "u", Amount: decimal.Zero, Kind: model.KindBetRefund, IdempotencyKey: "k"}, model.ErrInvalidAmount},
		{"positive debit", Entry{UserID: "u", Amount: d("1"), Kind: model.KindBetPlaced, IdempotencyKey: "k"}, model.ErrInvalidAmount},
		{"sub-cent", Entry{UserID: "u", Amount: d("0.001"), Kind: model.KindDeposit, IdempotencyKey: "k"}, model.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransaction(tt.entry, testNow)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAudit_MatchesLog(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "alice")
	_, _, err := l.Deposit(ctx, "alice", d("100"), "a")
	require.NoError(t, err)
	_, _, err = l.Withdraw(ctx, "alice", d("30.25"), "b")
	require.NoError(t, err)

	sum, err := l.Audit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, sum.Equal(d("69.75")))
}

func TestOpen_Duplicate(t *testing.T) {
	l := newLedger(t, "alice")
	_, err := l.Open(context.Background(), "alice")
	assert.ErrorIs(t, err, model.ErrDuplicate)
}
