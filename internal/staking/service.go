// Package staking owns poll administration and stake placement: it is the
// only producer of Stake rows and of bet_placed wallet debits.
package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/exposure"
	"github.com/atmx/pool-settlement/internal/lifecycle"
	"github.com/atmx/pool-settlement/internal/metrics"
	"github.com/atmx/pool-settlement/internal/model"
	"github.com/atmx/pool-settlement/internal/payout"
	"github.com/atmx/pool-settlement/internal/store"
	"github.com/atmx/pool-settlement/internal/wallet"
)

// ErrInvalidRequest is returned for malformed poll or stake requests.
var ErrInvalidRequest = errors.New("staking: invalid request")

// StakeRequest places Amount on OptionID. ID makes the request idempotent;
// one is generated when empty.
type StakeRequest struct {
	ID       string            `json:"id"`
	PollID   string            `json:"poll_id"`
	UserID   string            `json:"user_id"`
	OptionID string            `json:"option_id"`
	Ledger   model.StakeLedger `json:"ledger"`
	Amount   decimal.Decimal   `json:"amount"`
}

// Service places stakes and administers polls.
type Service struct {
	store   store.Store
	limiter *exposure.StakeLimiter
	now     func() time.Time
}

// NewService creates a staking service. A nil limiter disables limits.
func NewService(st store.Store, limiter *exposure.StakeLimiter) *Service {
	if limiter == nil {
		limiter = exposure.NewStakeLimiter(decimal.Zero, decimal.Zero)
	}
	return &Service{store: st, limiter: limiter, now: time.Now}
}

// CreatePoll opens a new poll with one option per label.
func (s *Service) CreatePoll(ctx context.Context, title string, labels []string) (*model.Poll, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if len(labels) < 2 {
		return nil, fmt.Errorf("%w: a poll needs at least two options", ErrInvalidRequest)
	}

	now := s.now().UTC()
	poll := &model.Poll{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    model.PollOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	seen := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, fmt.Errorf("%w: empty option label", ErrInvalidRequest)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("%w: duplicate option %q", ErrInvalidRequest, label)
		}
		seen[label] = struct{}{}
		poll.Options = append(poll.Options, model.Option{
			ID:     uuid.New().String(),
			PollID: poll.ID,
			Label:  label,
		})
	}

	if err := lifecycle.Validate(poll); err != nil {
		return nil, err
	}
	if err := s.store.CreatePoll(ctx, poll); err != nil {
		return nil, err
	}
	slog.Info("poll created", "poll", poll.ID, "options", len(poll.Options))
	return poll, nil
}

// GetPoll returns a poll.
func (s *Service) GetPoll(ctx context.Context, pollID string) (*model.Poll, error) {
	return s.store.GetPoll(ctx, pollID)
}

// ListPolls returns all polls, newest first.
func (s *Service) ListPolls(ctx context.Context) ([]model.Poll, error) {
	return s.store.ListPolls(ctx)
}

// ClosePoll stops accepting stakes.
func (s *Service) ClosePoll(ctx context.Context, pollID string) (*model.Poll, error) {
	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Check(poll.Status, lifecycle.ActionClose); err != nil {
		return nil, err
	}
	if err := s.store.TransitionPoll(ctx, pollID, poll.Round, poll.Status, model.PollClosed); err != nil {
		return nil, err
	}
	slog.Info("poll closed", "poll", pollID, "round", poll.Round)
	return s.store.GetPoll(ctx, pollID)
}

// PlaceStake debits the user's wallet and records the stake as one unit.
// Replaying a request with the same ID returns the stored stake and true.
func (s *Service) PlaceStake(ctx context.Context, req StakeRequest) (*model.Stake, bool, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Ledger == "" {
		req.Ledger = model.LedgerBets
	}
	if req.Ledger != model.LedgerBets && req.Ledger != model.LedgerShares {
		return nil, false, fmt.Errorf("%w: unknown ledger %q", ErrInvalidRequest, req.Ledger)
	}
	if req.UserID == "" {
		return nil, false, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Truncate(payout.Scale)) {
		return nil, false, fmt.Errorf("%w: stake %s", model.ErrInvalidAmount, req.Amount)
	}

	poll, err := s.store.GetPoll(ctx, req.PollID)
	if err != nil {
		return nil, false, err
	}
	if err := lifecycle.CanStake(poll.Status); err != nil {
		return nil, false, err
	}
	if !poll.HasOption(req.OptionID) {
		return nil, false, fmt.Errorf("option %s in poll %s: %w", req.OptionID, poll.ID, model.ErrNotFound)
	}

	existing, err := s.store.UserExposure(ctx, req.UserID)
	if err != nil {
		return nil, false, err
	}
	if err := s.limiter.CheckLimit(poll.ID, req.Amount, existing); err != nil {
		metrics.StakeLimitRejections.Inc()
		return nil, false, err
	}

	now := s.now().UTC()
	debit, err := wallet.NewTransaction(wallet.Entry{
		UserID:         req.UserID,
		Amount:         req.Amount.Neg(),
		Kind:           model.KindBetPlaced,
		Description:    fmt.Sprintf("stake on poll %s", poll.ID),
		IdempotencyKey: "stake:" + req.ID,
	}, now)
	if err != nil {
		return nil, false, err
	}

	stake, replayed, err := s.store.PlaceStake(ctx, &model.Stake{
		ID:       req.ID,
		PollID:   poll.ID,
		UserID:   req.UserID,
		OptionID: req.OptionID,
		Ledger:   req.Ledger,
		Amount:   req.Amount,
		PlacedAt: now,
	}, debit)
	if err != nil {
		return nil, false, err
	}

	if !replayed {
		metrics.StakesPlaced.WithLabelValues(string(stake.Ledger)).Inc()
		slog.Info("stake placed",
			"stake", stake.ID,
			"poll", stake.PollID,
			"user", stake.UserID,
			"option", stake.OptionID,
			"amount", stake.Amount.String(),
		)
	}
	return stake, replayed, nil
}

// Odds returns the poll's odds history, oldest first.
func (s *Service) Odds(ctx context.Context, pollID string) ([]model.OddsSnapshot, error) {
	if _, err := s.store.GetPoll(ctx, pollID); err != nil {
		return nil, err
	}
	return s.store.ListOddsSnapshots(ctx, pollID)
}
