package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-settlement/internal/model"
	"github.com/atmx/pool-settlement/internal/retry"
	"github.com/atmx/pool-settlement/internal/store"
	"github.com/atmx/pool-settlement/internal/wallet"
)

var fastRetry = retry.Policy{Attempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

var errCrash = errors.New("process crashed")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// flakyStore wraps a store and injects wallet and stake-ledger faults.
type flakyStore struct {
	store.Store

	mu          sync.Mutex
	conflicts   int // ApplyTransaction calls to reject with ErrConflict
	crashAfter  int // commits allowed before every ApplyTransaction crashes; <0 disables
	commits     int
	badStake    bool // ListStakes also returns a zero-amount stake
	applyCalled int

	beforeFinalize func() // runs once before the next FinalizePoll
}

func newFlaky(st store.Store) *flakyStore {
	return &flakyStore{Store: st, crashAfter: -1}
}

func (f *flakyStore) ApplyTransaction(ctx context.Context, tx *model.WalletTransaction) (*model.WalletTransaction, bool, error) {
	f.mu.Lock()
	f.applyCalled++
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return nil, false, fmt.Errorf("account row locked: %w", model.ErrConflict)
	}
	if f.crashAfter >= 0 && f.commits >= f.crashAfter {
		f.mu.Unlock()
		return nil, false, errCrash
	}
	f.mu.Unlock()

	stored, replayed, err := f.Store.ApplyTransaction(ctx, tx)
	if err == nil && !replayed {
		f.mu.Lock()
		f.commits++
		f.mu.Unlock()
	}
	return stored, replayed, err
}

func (f *flakyStore) FinalizePoll(ctx context.Context, fin model.Finalization) error {
	f.mu.Lock()
	hook := f.beforeFinalize
	f.beforeFinalize = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.Store.FinalizePoll(ctx, fin)
}

func (f *flakyStore) ListStakes(ctx context.Context, pollID string) ([]model.Stake, error) {
	stakes, err := f.Store.ListStakes(ctx, pollID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badStake {
		stakes = append(stakes, model.Stake{ID: "corrupt", PollID: pollID, UserID: "mallory", OptionID: "A", Amount: decimal.Zero})
	}
	return stakes, nil
}

type env struct {
	mem    *store.MemoryStore
	flaky  *flakyStore
	ledger *wallet.Ledger
	rec    *Reconciler
	seq    int
}

func newEnv(t *testing.T, users ...string) *env {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	flaky := newFlaky(mem)
	ledger := wallet.NewLedger(flaky)
	e := &env{mem: mem, flaky: flaky, ledger: ledger, rec: NewReconciler(flaky, ledger, fastRetry)}

	require.NoError(t, mem.CreatePoll(ctx, &model.Poll{
		ID:      "p1",
		Title:   "Who wins?",
		Options: []model.Option{{ID: "A", PollID: "p1", Label: "A"}, {ID: "B", PollID: "p1", Label: "B"}},
		Status:  model.PollOpen,
	}))
	for _, u := range users {
		_, err := ledger.Open(ctx, u)
		require.NoError(t, err)
		_, _, err = ledger.Deposit(ctx, u, d("1000"), "seed-"+u)
		require.NoError(t, err)
	}
	flaky.commits, flaky.applyCalled = 0, 0
	return e
}

func (e *env) stake(t *testing.T, user, option string, ledger model.StakeLedger, amount string) {
	t.Helper()
	e.seq++
	require.NoError(t, e.place(fmt.Sprintf("s%d", e.seq), user, option, ledger, amount))
}

// place stakes amount under a fixed stake id.
func (e *env) place(id, user, option string, ledger model.StakeLedger, amount string) error {
	now := time.Now().UTC()
	debit, err := wallet.NewTransaction(wallet.Entry{
		UserID:         user,
		Amount:         d(amount).Neg(),
		Kind:           model.KindBetPlaced,
		IdempotencyKey: "stake:" + id,
	}, now)
	if err != nil {
		return err
	}
	_, _, err = e.mem.PlaceStake(context.Background(), &model.Stake{
		ID: id, PollID: "p1", UserID: user, OptionID: option, Ledger: ledger, Amount: d(amount), PlacedAt: now,
	}, debit)
	return err
}

func (e *env) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	acc, err := e.mem.GetAccount(context.Background(), user)
	require.NoError(t, err)
	return acc.Balance
}

func (e *env) credits(t *testing.T, user string, kind model.TransactionKind) []model.WalletTransaction {
	t.Helper()
	txs, err := e.mem.ListTransactions(context.Background(), user)
	require.NoError(t, err)
	var out []model.WalletTransaction
	for _, tx := range txs {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

// scenarioEnv: A: alice 100, bob 50; B: carol 150.
func scenarioEnv(t *testing.T) *env {
	e := newEnv(t, "alice", "bob", "carol")
	e.stake(t, "alice", "A", model.LedgerBets, "100")
	e.stake(t, "bob", "A", model.LedgerBets, "50")
	e.stake(t, "carol", "B", model.LedgerBets, "150")
	return e
}

func TestResolvePoll_Scenario(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	res, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.NoError(t, err)
	assert.Equal(t, "resolve:p1:0", res.EventID)
	assert.Equal(t, 2, res.Users)
	assert.True(t, res.Total.Equal(d("300")), "total %s", res.Total)
	assert.False(t, res.Replayed)

	assert.True(t, e.balance(t, "alice").Equal(d("1100")))
	assert.True(t, e.balance(t, "bob").Equal(d("1050")))
	assert.True(t, e.balance(t, "carol").Equal(d("850")))
	assert.Empty(t, e.credits(t, "carol", model.KindPollPayout), "losers receive nothing")

	poll, err := e.mem.GetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PollResolved, poll.Status)
	require.NotNil(t, poll.WinningOption)
	assert.Equal(t, "A", *poll.WinningOption)

	stakes, err := e.mem.ListStakes(ctx, "p1")
	require.NoError(t, err)
	for _, s := range stakes {
		assert.True(t, s.Closed, "stake %s should be closed", s.ID)
	}

	ev, err := e.rec.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.EventCompleted, ev.Status)
	assert.NotNil(t, ev.CompletedAt)
}

func TestResolvePoll_Idempotent(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	first, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.NoError(t, err)
	second, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Users, second.Users)
	assert.True(t, first.Total.Equal(second.Total))
	assert.True(t, e.balance(t, "alice").Equal(d("1100")))
	assert.Len(t, e.credits(t, "alice", model.KindPollPayout), 1)
}

func TestResolvePoll_DifferentWinnerRefused(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	_, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.NoError(t, err)
	_, err = e.rec.ResolvePoll(ctx, "p1", "B")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.True(t, e.balance(t, "carol").Equal(d("850")))
}

func TestResolvePoll_UnknownOptionAndPoll(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	_, err := e.rec.ResolvePoll(ctx, "p1", "Z")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.rec.ResolvePoll(ctx, "nope", "A")
	assert.ErrorIs(t, err, model.ErrNotFound)

	poll, err := e.mem.GetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PollOpen, poll.Status, "rejected resolve must not close the poll")
}

func TestResolvePoll_MissingOption(t *testing.T) {
	e := scenarioEnv(t)

	_, err := e.rec.ResolvePoll(context.Background(), "p1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.NotErrorIs(t, err, model.ErrNotFound)
}

func TestResolvePoll_NoWinnersRefunds(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	e.stake(t, "alice", "B", model.LedgerBets, "30")
	e.stake(t, "bob", "B", model.LedgerBets, "20")

	res, err := e.rec.ResolvePoll(context.Background(), "p1", "A")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)
	assert.True(t, res.Total.Equal(d("50")))
	assert.True(t, e.balance(t, "alice").Equal(d("1000")))
	assert.True(t, e.balance(t, "bob").Equal(d("1000")))
	assert.Len(t, e.credits(t, "alice", model.KindBetRefund), 1)
}

func TestCancelPoll_RefundsOncePerUser(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	ctx := context.Background()
	e.stake(t, "alice", "A", model.LedgerBets, "10")
	e.stake(t, "alice", "B", model.LedgerBets, "15.50")
	e.stake(t, "alice", "A", model.LedgerShares, "4.50")
	e.stake(t, "bob", "B", model.LedgerBets, "7")

	res, err := e.rec.CancelPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)
	assert.True(t, res.Total.Equal(d("37")))

	refunds := e.credits(t, "alice", model.KindBetRefund)
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(d("30")))
	assert.Equal(t, "cancel:p1:0:alice", refunds[0].IdempotencyKey)
	assert.True(t, e.balance(t, "alice").Equal(d("1000")))
	assert.True(t, e.balance(t, "bob").Equal(d("1000")))

	poll, err := e.mem.GetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PollCancelled, poll.Status)
	assert.Nil(t, poll.WinningOption)

	stakes, err := e.mem.ListStakes(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, stakes)
	snaps, err := e.mem.ListOddsSnapshots(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestCancelPoll_TerminalStatesRefused(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	_, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.NoError(t, err)
	_, err = e.rec.CancelPoll(ctx, "p1")
	assert.ErrorIs(t, err, model.ErrInvalidState)

	e2 := scenarioEnv(t)
	_, err = e2.rec.CancelPoll(ctx, "p1")
	require.NoError(t, err)
	_, err = e2.rec.ResolvePoll(ctx, "p1", "A")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestResetPoll_RefundsPerLedgerAndReopens(t *testing.T) {
	e := newEnv(t, "alice", "bob")
	ctx := context.Background()
	e.stake(t, "alice", "A", model.LedgerBets, "100")
	e.stake(t, "alice", "B", model.LedgerShares, "40")
	e.stake(t, "bob", "A", model.LedgerShares, "25")

	res, err := e.rec.ResetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Users)
	assert.True(t, res.Total.Equal(d("165")))

	refunds := e.credits(t, "alice", model.KindBetRefund)
	require.Len(t, refunds, 2, "one refund per ledger")
	assert.Equal(t, "reset:p1:0:alice:bets", refunds[0].IdempotencyKey)
	assert.Equal(t, "reset:p1:0:alice:shares", refunds[1].IdempotencyKey)
	assert.True(t, e.balance(t, "alice").Equal(d("1000")))
	assert.True(t, e.balance(t, "bob").Equal(d("1000")))

	poll, err := e.mem.GetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PollOpen, poll.Status)
	assert.Equal(t, 1, poll.Round)
	assert.Nil(t, poll.WinningOption)

	// The next round settles under fresh keys.
	e.stake(t, "alice", "A", model.LedgerBets, "10")
	res, err = e.rec.CancelPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "cancel:p1:1", res.EventID)
	assert.True(t, res.Total.Equal(d("10")))
	assert.True(t, e.balance(t, "alice").Equal(d("1000")))
}

func TestResetPoll_AfterResolveMovesNoMoney(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	_, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.NoError(t, err)
	res, err := e.rec.ResetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Users)
	assert.True(t, res.Total.IsZero())

	assert.True(t, e.balance(t, "alice").Equal(d("1100")))
	poll, err := e.mem.GetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PollOpen, poll.Status)
	assert.Nil(t, poll.WinningOption)
	stakes, err := e.mem.ListStakes(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, stakes)
}

func TestResetPoll_StakeIDReusedAfterPurgeRefused(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	require.NoError(t, e.place("s1", "alice", "A", model.LedgerBets, "100"))
	_, err := e.rec.ResetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, e.balance(t, "alice").Equal(d("1000")))

	err = e.place("s1", "alice", "A", model.LedgerBets, "100")
	require.ErrorIs(t, err, model.ErrDuplicate)
	stakes, err := e.mem.ListStakes(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, stakes, "no stake without a debit")

	res, err := e.rec.CancelPoll(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, res.Total.IsZero())
	assert.True(t, e.balance(t, "alice").Equal(d("1000")), "cancel must not refund an unpaid stake")
}

func TestResetPoll_OverlappingRunsReplay(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	var inner *Result
	var innerErr error
	e.flaky.beforeFinalize = func() {
		// A second run resumes the pending event and finalizes it first.
		inner, innerErr = e.rec.ResetPoll(ctx, "p1")
	}

	outer, err := e.rec.ResetPoll(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, innerErr)
	assert.False(t, inner.Replayed)
	assert.True(t, outer.Replayed)
	assert.Equal(t, inner.EventID, outer.EventID)
	assert.True(t, outer.Total.Equal(d("300")))

	for _, u := range []string{"alice", "bob", "carol"} {
		assert.True(t, e.balance(t, u).Equal(d("1000")), u)
		assert.Len(t, e.credits(t, u, model.KindBetRefund), 1, u)
	}
	poll, err := e.mem.GetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, poll.Round)
}

func TestSettle_RejectsInconsistentPoll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.mem.CreatePoll(ctx, &model.Poll{
		ID:      "p2",
		Title:   "corrupt",
		Options: []model.Option{{ID: "A", PollID: "p2", Label: "A"}, {ID: "B", PollID: "p2", Label: "B"}},
		Status:  model.PollResolved,
	}))

	_, err := e.rec.ResetPoll(ctx, "p2")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = e.rec.GetEvent(ctx, "reset:p2:0")
	assert.ErrorIs(t, err, model.ErrNotFound, "no event is claimed for an inconsistent poll")
}

func TestSettle_RetriesConflicts(t *testing.T) {
	e := scenarioEnv(t)
	e.flaky.conflicts = 2

	res, err := e.rec.ResolvePoll(context.Background(), "p1", "A")
	require.NoError(t, err)
	assert.True(t, res.Total.Equal(d("300")))
	assert.True(t, e.balance(t, "alice").Equal(d("1100")))
	assert.Len(t, e.credits(t, "alice", model.KindPollPayout), 1)
}

func TestSettle_ResumesAfterCrash(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()
	e.flaky.crashAfter = 1

	_, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.ErrorIs(t, err, errCrash)

	// alice (first in order) was paid, bob was not; the poll stays closed.
	assert.True(t, e.balance(t, "alice").Equal(d("1100")))
	assert.True(t, e.balance(t, "bob").Equal(d("950")))
	poll, err := e.mem.GetPoll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PollClosed, poll.Status)
	ev, err := e.rec.GetEvent(ctx, "resolve:p1:0")
	require.NoError(t, err)
	assert.Equal(t, model.EventPending, ev.Status)

	e.flaky.crashAfter = -1
	res, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.NoError(t, err)
	assert.True(t, res.Total.Equal(d("300")))

	assert.True(t, e.balance(t, "alice").Equal(d("1100")))
	assert.True(t, e.balance(t, "bob").Equal(d("1050")))
	assert.Len(t, e.credits(t, "alice", model.KindPollPayout), 1)
	assert.Len(t, e.credits(t, "bob", model.KindPollPayout), 1)
}

func TestSettle_CanceledBeforeFirstCommit(t *testing.T) {
	e := scenarioEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.rec.CancelPoll(ctx, "p1")
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, e.balance(t, "alice").Equal(d("900")), "no refund may commit")

	res, err := e.rec.CancelPoll(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Total.Equal(d("300")))
	assert.True(t, e.balance(t, "alice").Equal(d("1000")))
}

func TestSettle_ConcurrentEventConflicts(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()
	e.flaky.crashAfter = 0

	_, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.ErrorIs(t, err, errCrash)

	_, err = e.rec.CancelPoll(ctx, "p1")
	assert.ErrorIs(t, err, model.ErrConflict, "a pending resolve blocks a cancel")
}

func TestSettle_InvariantViolationFailsEvent(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()
	e.flaky.badStake = true

	_, err := e.rec.ResolvePoll(ctx, "p1", "A")
	require.ErrorIs(t, err, model.ErrInvariantViolation)
	assert.Equal(t, 0, e.flaky.applyCalled, "nothing may be applied")

	ev, err := e.rec.GetEvent(ctx, "resolve:p1:0")
	require.NoError(t, err)
	assert.Equal(t, model.EventFailed, ev.Status)
	assert.NotEmpty(t, ev.FailureReason)

	_, err = e.rec.ResolvePoll(ctx, "p1", "A")
	assert.ErrorIs(t, err, model.ErrEventFailed)

	e.flaky.badStake = false
	res, err := e.rec.Reprocess(ctx, "resolve:p1:0")
	require.NoError(t, err)
	assert.True(t, res.Total.Equal(d("300")))
	assert.True(t, e.balance(t, "alice").Equal(d("1100")))

	_, err = e.rec.Reprocess(ctx, "resolve:p1:0")
	assert.ErrorIs(t, err, model.ErrInvalidState, "completed events cannot be reprocessed")
}

func TestProjectedReturn(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	// A pool 150 + 150 new, losing 150: 150 + 150*150/300 = 225.
	got, err := e.rec.ProjectedReturn(ctx, d("150"), "A", "p1")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("225")), "got %s", got)

	_, err = e.rec.ProjectedReturn(ctx, d("0"), "A", "p1")
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = e.rec.ProjectedReturn(ctx, d("1"), "Z", "p1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestExistingPositionReturn(t *testing.T) {
	e := scenarioEnv(t)
	ctx := context.Background()

	pos, err := e.rec.ExistingPositionReturn(ctx, "alice", "p1")
	require.NoError(t, err)
	assert.True(t, pos.Stake.Equal(d("100")))
	require.Contains(t, pos.Returns, "A")
	assert.True(t, pos.Returns["A"].Equal(d("200")))

	pos, err = e.rec.ExistingPositionReturn(ctx, "carol", "p1")
	require.NoError(t, err)
	assert.True(t, pos.Returns["B"].Equal(d("300")), "sole winner takes the losing pool")

	_, err = e.rec.ExistingPositionReturn(ctx, "dave", "p1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolvePoll_ConservesRandomPools(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	users := []string{"u1", "u2", "u3", "u4", "u5"}

	for i := 0; i < 50; i++ {
		e := newEnv(t, users...)
		pool := decimal.Zero
		for j := 0; j < 1+rng.Intn(12); j++ {
			amount := decimal.New(int64(1+rng.Intn(9999)), -2)
			option := []string{"A", "B"}[rng.Intn(2)]
			e.stake(t, users[rng.Intn(len(users))], option, model.LedgerBets, amount.String())
			pool = pool.Add(amount)
		}

		res, err := e.rec.ResolvePoll(context.Background(), "p1", "A")
		require.NoError(t, err)
		require.True(t, res.Total.Equal(pool), "iteration %d: paid %s of pool %s", i, res.Total, pool)

		total := decimal.Zero
		for _, u := range users {
			total = total.Add(e.balance(t, u))
		}
		require.True(t, total.Equal(d("5000")), "iteration %d: balances sum to %s", i, total)
	}
}
