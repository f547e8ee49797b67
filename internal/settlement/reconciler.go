// Package settlement runs the end-of-round flows of a poll (cancel, reset and
// resolve). Each flow is a SettlementEvent identified by kind, poll and round;
// it turns the poll's open stakes into wallet credits through the wallet
// ledger, exactly once per user per event, and then finalizes the poll.
//
// An event is re-runnable: every credit carries an idempotency key derived
// from the event, so re-invoking an interrupted event only issues the credits
// that did not commit the first time.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-settlement/internal/lifecycle"
	"github.com/atmx/pool-settlement/internal/metrics"
	"github.com/atmx/pool-settlement/internal/model"
	"github.com/atmx/pool-settlement/internal/payout"
	"github.com/atmx/pool-settlement/internal/retry"
	"github.com/atmx/pool-settlement/internal/store"
	"github.com/atmx/pool-settlement/internal/wallet"
)

// ErrInvalidRequest is returned for malformed settlement requests.
var ErrInvalidRequest = errors.New("settlement: invalid request")

// Result is the outcome of one settlement event.
type Result struct {
	EventID  string          `json:"event_id"`
	PollID   string          `json:"poll_id"`
	Kind     model.EventKind `json:"kind"`
	Users    int             `json:"users"` // refunded or paid
	Total    decimal.Decimal `json:"total"`
	Replayed bool            `json:"replayed"` // event had already completed
}

// Position is a user's open stake in a poll and what it returns for each
// option it is on, should that option win.
type Position struct {
	PollID  string                     `json:"poll_id"`
	UserID  string                     `json:"user_id"`
	Stake   decimal.Decimal            `json:"stake"`
	Returns map[string]decimal.Decimal `json:"returns"` // optionID → return
}

// Reconciler executes settlement events against a store.
type Reconciler struct {
	store  store.Store
	wallet *wallet.Ledger
	policy retry.Policy
	now    func() time.Time
}

// NewReconciler creates a reconciler. Retryable store errors during wallet
// application and finalization are retried under policy.
func NewReconciler(st store.Store, w *wallet.Ledger, policy retry.Policy) *Reconciler {
	return &Reconciler{store: st, wallet: w, policy: policy, now: time.Now}
}

// EventID returns the id of the event of kind for a poll round.
func EventID(kind model.EventKind, pollID string, round int) string {
	return fmt.Sprintf("%s:%s:%d", kind, pollID, round)
}

// CancelPoll voids the market: every user gets one refund of all their open
// stakes, stakes and odds history are purged and the poll ends cancelled.
func (r *Reconciler) CancelPoll(ctx context.Context, pollID string) (*Result, error) {
	return r.settle(ctx, pollID, model.EventCancel, "")
}

// ResetPoll refunds every open stake once per user and ledger, purges stakes
// and odds history and reopens the poll in a new round.
func (r *Reconciler) ResetPoll(ctx context.Context, pollID string) (*Result, error) {
	return r.settle(ctx, pollID, model.EventReset, "")
}

// ResolvePoll pays every user with a stake on winningOption their
// pari-mutuel return and resolves the poll. Losing stakes are forfeited to
// the pool.
func (r *Reconciler) ResolvePoll(ctx context.Context, pollID, winningOption string) (*Result, error) {
	if winningOption == "" {
		return nil, fmt.Errorf("%w: winning option is required", ErrInvalidRequest)
	}
	return r.settle(ctx, pollID, model.EventResolve, winningOption)
}

// Reprocess moves a failed event back to pending and runs it again.
func (r *Reconciler) Reprocess(ctx context.Context, eventID string) (*Result, error) {
	ev, err := r.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.EventFailed {
		return nil, fmt.Errorf("%w: event %s is %s, only failed events can be reprocessed",
			model.ErrInvalidState, ev.ID, ev.Status)
	}
	poll, err := r.store.GetPoll(ctx, ev.PollID)
	if err != nil {
		return nil, err
	}
	if poll.Round != ev.Round {
		return nil, fmt.Errorf("%w: event %s belongs to round %d, poll is at %d",
			model.ErrInvalidState, ev.ID, ev.Round, poll.Round)
	}
	if err := r.store.ReopenEvent(ctx, eventID); err != nil {
		return nil, err
	}
	slog.Warn("reprocessing settlement event", "event", ev.ID, "poll", ev.PollID, "reason", ev.FailureReason)
	return r.settle(ctx, ev.PollID, ev.Kind, ev.WinningOption)
}

// GetEvent returns a settlement event.
func (r *Reconciler) GetEvent(ctx context.Context, eventID string) (*model.SettlementEvent, error) {
	return r.store.GetEvent(ctx, eventID)
}

// ProjectedReturn is what a new stake of amount on option would return if
// option wins, given the poll's current stakes.
func (r *Reconciler) ProjectedReturn(ctx context.Context, amount decimal.Decimal, option, pollID string) (decimal.Decimal, error) {
	poll, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return decimal.Zero, err
	}
	if !poll.HasOption(option) {
		return decimal.Zero, fmt.Errorf("option %s in poll %s: %w", option, pollID, model.ErrNotFound)
	}
	stakes, err := r.store.ListStakes(ctx, pollID)
	if err != nil {
		return decimal.Zero, err
	}
	return payout.ProjectedReturn(amount, option, stakes)
}

// ExistingPositionReturn computes, for each option userID holds open stakes
// on, what those stakes return if the option wins.
func (r *Reconciler) ExistingPositionReturn(ctx context.Context, userID, pollID string) (*Position, error) {
	if _, err := r.store.GetPoll(ctx, pollID); err != nil {
		return nil, err
	}
	stakes, err := r.store.ListStakes(ctx, pollID)
	if err != nil {
		return nil, err
	}

	pos := &Position{PollID: pollID, UserID: userID, Stake: decimal.Zero, Returns: make(map[string]decimal.Decimal)}
	for _, s := range payout.OpenStakes(stakes) {
		if s.UserID != userID {
			continue
		}
		pos.Stake = pos.Stake.Add(s.Amount)
		if _, done := pos.Returns[s.OptionID]; done {
			continue
		}
		ret, err := payout.ExistingReturn(userID, s.OptionID, stakes)
		if err != nil {
			return nil, err
		}
		pos.Returns[s.OptionID] = ret
	}
	if len(pos.Returns) == 0 {
		return nil, fmt.Errorf("open position of %s in poll %s: %w", userID, pollID, model.ErrNotFound)
	}
	return pos, nil
}

// settle runs one event to completion.
func (r *Reconciler) settle(ctx context.Context, pollID string, kind model.EventKind, winning string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		outcome := "completed"
		switch {
		case err != nil && errors.Is(err, model.ErrInvariantViolation):
			outcome = "failed"
		case err != nil:
			outcome = "error"
		case res.Replayed:
			outcome = "replayed"
		}
		metrics.SettlementsTotal.WithLabelValues(string(kind), outcome).Inc()
		metrics.SettlementDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	poll, err := r.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Validate(poll); err != nil {
		return nil, err
	}
	if kind == model.EventResolve && !poll.HasOption(winning) {
		return nil, fmt.Errorf("option %s in poll %s: %w", winning, pollID, model.ErrNotFound)
	}

	ev, resumed, err := r.begin(ctx, poll, kind, winning)
	if err != nil {
		return nil, err
	}
	if ev.Status == model.EventCompleted {
		slog.Info("settlement event already completed", "event", ev.ID, "poll", pollID)
		return resultOf(ev, true), nil
	}

	log := slog.With("event", ev.ID, "poll", pollID, "kind", kind)
	log.Info("settlement started", "round", ev.Round, "resumed", resumed, "winning_option", winning)

	stakes, err := r.store.ListStakes(ctx, pollID)
	if err != nil {
		return nil, err
	}
	plan, err := planFor(kind, winning, stakes)
	if err != nil {
		if errors.Is(err, model.ErrInvariantViolation) {
			metrics.InvariantViolations.Inc()
			log.Error("settlement halted", "error", err)
			if ferr := r.store.FailEvent(context.WithoutCancel(ctx), ev.ID, err.Error()); ferr != nil {
				log.Error("mark event failed", "error", ferr)
			}
		}
		return nil, err
	}

	// Once a credit has committed the event is a financial fact and must run
	// to completion.
	if resumed {
		ctx = context.WithoutCancel(ctx)
	}
	for _, c := range plan.Credits {
		entry := wallet.Entry{
			UserID:         c.UserID,
			Amount:         c.Amount,
			Kind:           plan.Kind,
			Description:    describe(kind, plan.Kind, pollID),
			IdempotencyKey: creditKey(ev, c),
		}
		var replayed bool
		err := r.policy.Do(ctx, func() error {
			var aerr error
			_, replayed, aerr = r.wallet.Apply(ctx, entry)
			return aerr
		}, func(attempt int, err error) {
			metrics.SettlementRetries.WithLabelValues(string(kind)).Inc()
			log.Warn("retrying wallet credit", "user", c.UserID, "attempt", attempt, "error", err)
		})
		if err != nil {
			log.Error("wallet credit failed", "user", c.UserID, "amount", c.Amount.String(), "error", err)
			return nil, fmt.Errorf("settle %s: credit %s: %w", ev.ID, c.UserID, err)
		}
		log.Debug("credit applied", "user", c.UserID, "amount", c.Amount.String(), "replayed", replayed)
		ctx = context.WithoutCancel(ctx)
	}

	summary := model.Summary{Users: plan.Users(), Total: plan.Total()}
	fin := finalization(ev, kind, summary, r.now().UTC())
	err = r.policy.Do(ctx, func() error {
		return r.store.FinalizePoll(ctx, fin)
	}, nil)
	if errors.Is(err, model.ErrDuplicate) || errors.Is(err, model.ErrConflict) {
		// Another run of the same event may have finalized it first.
		if done, gerr := r.store.GetEvent(ctx, ev.ID); gerr == nil && done.Status == model.EventCompleted {
			log.Info("settlement completed by a concurrent run")
			return resultOf(done, true), nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("settle %s: finalize: %w", ev.ID, err)
	}

	log.Info("settlement completed", "users", summary.Users, "total", summary.Total.String())
	ev.Result = summary
	return resultOf(ev, false), nil
}

// begin looks up or claims the event of kind for the poll's current round.
// resumed is true when a pending event from an earlier run is continued.
func (r *Reconciler) begin(ctx context.Context, poll *model.Poll, kind model.EventKind, winning string) (*model.SettlementEvent, bool, error) {
	id := EventID(kind, poll.ID, poll.Round)
	action := lifecycle.ForEvent(kind)

	ev, err := r.store.GetEvent(ctx, id)
	resumed := err == nil
	switch {
	case errors.Is(err, model.ErrNotFound):
		if err := lifecycle.Check(poll.Status, action); err != nil {
			return nil, false, err
		}
		ev, err = r.store.BeginEvent(ctx, &model.SettlementEvent{
			ID:            id,
			PollID:        poll.ID,
			Round:         poll.Round,
			Kind:          kind,
			WinningOption: winning,
			Status:        model.EventPending,
			TriggeredAt:   r.now().UTC(),
		}, lifecycle.Sources(action))
		if err != nil {
			return nil, false, err
		}
	case err != nil:
		return nil, false, err
	}

	if ev.WinningOption != winning {
		return nil, false, fmt.Errorf("%w: event %s is settling option %s, not %s",
			model.ErrInvalidState, ev.ID, ev.WinningOption, winning)
	}
	if ev.Status == model.EventFailed {
		return nil, false, fmt.Errorf("%s: %w: %s", ev.ID, model.ErrEventFailed, ev.FailureReason)
	}
	return ev, resumed && ev.Status == model.EventPending, nil
}

func planFor(kind model.EventKind, winning string, stakes []model.Stake) (payout.Plan, error) {
	switch kind {
	case model.EventCancel:
		return payout.RefundPlan(stakes, false)
	case model.EventReset:
		return payout.RefundPlan(stakes, true)
	default:
		return payout.PayoutPlan(winning, stakes)
	}
}

func finalization(ev *model.SettlementEvent, kind model.EventKind, summary model.Summary, now time.Time) model.Finalization {
	f := model.Finalization{
		PollID:      ev.PollID,
		Round:       ev.Round,
		EventID:     ev.ID,
		Result:      summary,
		CompletedAt: now,
	}
	switch kind {
	case model.EventCancel:
		f.Status = model.PollCancelled
		f.PurgeStakes = true
	case model.EventReset:
		f.Status = model.PollOpen
		f.PurgeStakes = true
		f.NextRound = true
	default:
		w := ev.WinningOption
		f.Status = model.PollResolved
		f.WinningOption = &w
		f.CloseStakes = true
	}
	return f
}

// creditKey is "<kind>:<pollID>:<round>:<userID>", with ":<ledger>" appended
// for per-ledger refunds.
func creditKey(ev *model.SettlementEvent, c payout.Credit) string {
	key := fmt.Sprintf("%s:%s", ev.ID, c.UserID)
	if c.Ledger != "" {
		key += ":" + string(c.Ledger)
	}
	return key
}

func describe(event model.EventKind, kind model.TransactionKind, pollID string) string {
	if kind == model.KindPollPayout {
		return fmt.Sprintf("payout for poll %s", pollID)
	}
	return fmt.Sprintf("refund for poll %s (%s)", pollID, event)
}

func resultOf(ev *model.SettlementEvent, replayed bool) *Result {
	return &Result{
		EventID:  ev.ID,
		PollID:   ev.PollID,
		Kind:     ev.Kind,
		Users:    ev.Result.Users,
		Total:    ev.Result.Total,
		Replayed: replayed,
	}
}
