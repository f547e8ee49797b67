package exposure

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit("p1", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerPollExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))

	// Existing stake of 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{"p1": d(950)}

	err := limiter.CheckLimit("p1", d(100), existing)
	if !errors.Is(err, ErrPerPollLimitExceeded) {
		t.Errorf("expected ErrPerPollLimitExceeded, got %v", err)
	}
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded cause, got %v", err)
	}
}

func TestCheckLimit_PerPollExactlyAtLimit(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(5000))
	existing := map[string]decimal.Decimal{"p1": d(900)}

	if err := limiter.CheckLimit("p1", d(100), existing); err != nil {
		t.Errorf("reaching the limit exactly is allowed, got %v", err)
	}
}

func TestCheckLimit_OpenExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"p1": d(800),
		"p2": d(800),
		"p3": d(300),
	}

	// 1900 already open elsewhere, 200 more in p4 = 2100 > 2000.
	err := limiter.CheckLimit("p4", d(200), existing)
	if !errors.Is(err, ErrOpenLimitExceeded) {
		t.Errorf("expected ErrOpenLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OpenCountsTargetPollOnce(t *testing.T) {
	limiter := NewStakeLimiter(d(1000), d(1500))
	existing := map[string]decimal.Decimal{
		"p1": d(700),
		"p2": d(700),
	}

	// p1 goes to 800, total 1500.
	if err := limiter.CheckLimit("p1", d(100), existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewStakeLimiter(decimal.Zero, decimal.Zero)
	existing := map[string]decimal.Decimal{"p1": d(1e9)}

	if err := limiter.CheckLimit("p1", d(1e9), existing); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
