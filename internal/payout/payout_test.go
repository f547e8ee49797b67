package payout

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func stake(id, user, option string, amount float64) model.Stake {
	return model.Stake{
		ID:       id,
		PollID:   "poll-1",
		UserID:   user,
		OptionID: option,
		Ledger:   model.LedgerBets,
		Amount:   d(amount),
	}
}

// A:[100,50] B:[150]
func scenario() []model.Stake {
	return []model.Stake{
		stake("s1", "alice", "A", 100),
		stake("s2", "bob", "A", 50),
		stake("s3", "carol", "B", 150),
	}
}

// --- Return calculation ---

func TestExistingReturn_Scenario(t *testing.T) {
	stakes := scenario()

	alice, err := ExistingReturn("alice", "A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !alice.Equal(d(200)) {
		t.Errorf("expected alice to get 200, got %s", alice)
	}

	bob, err := ExistingReturn("bob", "A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bob.Equal(d(100)) {
		t.Errorf("expected bob to get 100, got %s", bob)
	}
}

func TestExistingReturn_NoPosition(t *testing.T) {
	_, err := ExistingReturn("dave", "A", scenario())
	if !errors.Is(err, ErrNonPositiveStake) {
		t.Errorf("expected ErrNonPositiveStake, got %v", err)
	}
}

func TestExistingReturn_SoleWinner(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "alice", "A", 40),
		stake("s2", "bob", "B", 70),
		stake("s3", "carol", "C", 30),
	}
	got, err := ExistingReturn("alice", "A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(140)) {
		t.Errorf("sole winner should take stake + losing pool (140), got %s", got)
	}
}

func TestExistingReturn_SplitRowsCountOnce(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "alice", "A", 60),
		stake("s2", "alice", "A", 40),
		stake("s3", "bob", "A", 100),
		stake("s4", "carol", "B", 100),
		stake("s4", "carol", "B", 100), // same row seen through the second ledger
	}
	got, err := ExistingReturn("alice", "A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(150)) {
		t.Errorf("expected 100 + 100*(100/200) = 150, got %s", got)
	}
}

func TestExistingReturn_IgnoresClosedStakes(t *testing.T) {
	stakes := scenario()
	stakes[2].Closed = true
	got, err := ExistingReturn("alice", "A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(100)) {
		t.Errorf("closed losing stake must not count, expected 100, got %s", got)
	}
}

func TestProjectedReturn_AddsHypotheticalStake(t *testing.T) {
	// Winning pool becomes 150 + 150 = 300; losing 150.
	got, err := ProjectedReturn(d(150), "A", scenario())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(225)) {
		t.Errorf("expected 150 + 150*(150/300) = 225, got %s", got)
	}
}

func TestProjectedReturn_SoleWinner(t *testing.T) {
	got, err := ProjectedReturn(d(10), "C", scenario())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(310)) {
		t.Errorf("first stake on an option takes the whole losing pool, expected 310, got %s", got)
	}
}

func TestProjectedReturn_NoLosingPool(t *testing.T) {
	stakes := []model.Stake{stake("s1", "alice", "A", 100)}
	got, err := ProjectedReturn(d(25), "A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(25)) {
		t.Errorf("with no losing pool the stake comes back unchanged, got %s", got)
	}
}

func TestProjectedReturn_EmptyPoll(t *testing.T) {
	got, err := ProjectedReturn(d(5), "A", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(5)) {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestProjectedReturn_NonPositiveAmount(t *testing.T) {
	for _, amount := range []float64{0, -10} {
		_, err := ProjectedReturn(d(amount), "A", scenario())
		if !errors.Is(err, ErrNonPositiveStake) {
			t.Errorf("amount %v: expected ErrNonPositiveStake, got %v", amount, err)
		}
		if !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("amount %v: expected ErrInvalidAmount in chain, got %v", amount, err)
		}
	}
}

func TestComputeReturn_GuardsEmptyWinningPool(t *testing.T) {
	_, err := computeReturn(d(10), decimal.Zero, d(50), false)
	if !errors.Is(err, model.ErrInvariantViolation) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func TestReturns_Proportionality(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "alice", "A", 30),
		stake("s2", "bob", "A", 90),
		stake("s3", "carol", "B", 240),
	}
	a, _ := ExistingReturn("alice", "A", stakes)
	b, _ := ExistingReturn("bob", "A", stakes)

	extraA := a.Sub(d(30))
	extraB := b.Sub(d(90))
	// 30:90 = 1:3
	if !extraA.Mul(d(3)).Equal(extraB) {
		t.Errorf("extras not proportional to stakes: %s vs %s", extraA, extraB)
	}
}

// --- Plans ---

func TestPayoutPlan_Scenario(t *testing.T) {
	plan, err := PayoutPlan("A", scenario())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != model.KindPollPayout {
		t.Errorf("expected poll_payout, got %s", plan.Kind)
	}
	if len(plan.Credits) != 2 {
		t.Fatalf("expected 2 credits, got %d", len(plan.Credits))
	}
	if plan.Credits[0].UserID != "alice" || !plan.Credits[0].Amount.Equal(d(200)) {
		t.Errorf("unexpected first credit: %+v", plan.Credits[0])
	}
	if plan.Credits[1].UserID != "bob" || !plan.Credits[1].Amount.Equal(d(100)) {
		t.Errorf("unexpected second credit: %+v", plan.Credits[1])
	}
	if !plan.Total().Equal(d(300)) {
		t.Errorf("total paid must equal pool 300, got %s", plan.Total())
	}
}

func TestPayoutPlan_RemainderToLargestStake(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "u1", "A", 1),
		stake("s2", "u2", "A", 2),
		stake("s3", "u3", "B", 1),
	}
	// u1: 1 + 1/3 → 1.33, u2: 2 + 2/3 → 2.66, remainder 0.01 → u2.
	plan, err := PayoutPlan("A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Credits[0].Amount.Equal(d(1.33)) {
		t.Errorf("expected u1 1.33, got %s", plan.Credits[0].Amount)
	}
	if !plan.Credits[1].Amount.Equal(d(2.67)) {
		t.Errorf("expected u2 2.67 (with remainder), got %s", plan.Credits[1].Amount)
	}
	if !plan.Total().Equal(d(4)) {
		t.Errorf("expected total 4, got %s", plan.Total())
	}
}

func TestPayoutPlan_RemainderTieGoesToSmallestUser(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "zed", "A", 1),
		stake("s2", "amy", "A", 1),
		stake("s3", "max", "A", 1),
		stake("s4", "loser", "B", 1),
	}
	plan, err := PayoutPlan("A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[string]decimal.Decimal{}
	for _, c := range plan.Credits {
		got[c.UserID] = c.Amount
	}
	if !got["amy"].Equal(d(1.34)) {
		t.Errorf("expected amy to receive the remainder (1.34), got %s", got["amy"])
	}
	if !got["max"].Equal(d(1.33)) || !got["zed"].Equal(d(1.33)) {
		t.Errorf("expected max and zed to get 1.33, got %s and %s", got["max"], got["zed"])
	}
}

func TestPayoutPlan_NoLosers(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "alice", "A", 10),
		stake("s2", "bob", "A", 20),
	}
	plan, err := PayoutPlan("A", stakes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range plan.Credits {
		if !c.Amount.Equal(c.Stake) {
			t.Errorf("user %s should get exactly its stake back, got %s", c.UserID, c.Amount)
		}
	}
}

func TestPayoutPlan_NoWinnersRefunds(t *testing.T) {
	plan, err := PayoutPlan("C", scenario())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != model.KindBetRefund {
		t.Errorf("expected refund plan, got %s", plan.Kind)
	}
	if len(plan.Credits) != 3 || !plan.Total().Equal(d(300)) {
		t.Errorf("expected 3 refunds totalling 300, got %d / %s", len(plan.Credits), plan.Total())
	}
}

func TestPayoutPlan_RejectsNonPositiveStake(t *testing.T) {
	stakes := append(scenario(), stake("bad", "eve", "B", 0))
	_, err := PayoutPlan("A", stakes)
	if !errors.Is(err, model.ErrInvariantViolation) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func TestRefundPlan_PerUser(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "alice", "A", 10),
		stake("s2", "alice", "B", 15),
		stake("s3", "bob", "A", 5),
	}
	stakes[1].Ledger = model.LedgerShares

	plan, err := RefundPlan(stakes, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Credits) != 2 {
		t.Fatalf("expected one refund per user, got %d", len(plan.Credits))
	}
	if !plan.Credits[0].Amount.Equal(d(25)) {
		t.Errorf("alice should be refunded 25 across options, got %s", plan.Credits[0].Amount)
	}
}

func TestRefundPlan_PerLedger(t *testing.T) {
	stakes := []model.Stake{
		stake("s1", "alice", "A", 10),
		stake("s2", "alice", "B", 15),
		stake("s2", "alice", "B", 15), // visible twice
	}
	stakes[1].Ledger = model.LedgerShares
	stakes[2].Ledger = model.LedgerShares

	plan, err := RefundPlan(stakes, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Credits) != 2 {
		t.Fatalf("expected one refund per ledger, got %d", len(plan.Credits))
	}
	if !plan.Total().Equal(d(25)) {
		t.Errorf("duplicate row must be refunded once, total %s", plan.Total())
	}
}

func TestPlanCheck_DetectsLeak(t *testing.T) {
	plan := Plan{
		Kind: model.KindPollPayout,
		Pool: d(100),
		Credits: []Credit{
			{UserID: "alice", Amount: d(60)},
			{UserID: "bob", Amount: d(39.99)},
		},
	}
	if err := plan.Check(); !errors.Is(err, model.ErrInvariantViolation) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

// TestPayoutPlan_ConservesRandomPools checks conservation and the
// proportional ordering of returns over many random pools.
func TestPayoutPlan_ConservesRandomPools(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	options := []string{"A", "B", "C"}

	for iter := 0; iter < 500; iter++ {
		var stakes []model.Stake
		n := 1 + rng.Intn(12)
		for i := 0; i < n; i++ {
			cents := 1 + rng.Int63n(100000)
			stakes = append(stakes, model.Stake{
				ID:       fmt.Sprintf("s%d", i),
				UserID:   fmt.Sprintf("u%d", rng.Intn(6)),
				OptionID: options[rng.Intn(len(options))],
				Ledger:   model.LedgerBets,
				Amount:   decimal.New(cents, -2),
			})
		}
		winning := options[rng.Intn(len(options))]

		plan, err := PayoutPlan(winning, stakes)
		if err != nil {
			t.Fatalf("iter %d: unexpected error: %v", iter, err)
		}
		_, pool := Totals(stakes)
		if !plan.Total().Equal(pool) {
			t.Fatalf("iter %d: paid %s, pool %s", iter, plan.Total(), pool)
		}
		for _, c := range plan.Credits {
			if c.Amount.LessThan(c.Stake) {
				t.Fatalf("iter %d: winner %s paid %s below stake %s", iter, c.UserID, c.Amount, c.Stake)
			}
		}
	}
}
