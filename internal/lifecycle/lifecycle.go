// Package lifecycle holds the poll state machine:
//
//	open → closed → {resolved, cancelled}
//
// resolve and cancel are also accepted on an open poll (the settlement closes
// it first); reset moves any state back to open.
package lifecycle

import (
	"fmt"

	"github.com/atmx/pool-settlement/internal/model"
)

// Action is an operation that changes a poll's status.
type Action string

const (
	ActionClose   Action = "close"
	ActionResolve Action = "resolve"
	ActionCancel  Action = "cancel"
	ActionReset   Action = "reset"
)

// ForEvent maps a settlement event kind to its action.
func ForEvent(kind model.EventKind) Action {
	switch kind {
	case model.EventCancel:
		return ActionCancel
	case model.EventReset:
		return ActionReset
	default:
		return ActionResolve
	}
}

// Next returns the status a poll in from moves to under action, or an error
// wrapping model.ErrInvalidState when the action is illegal there.
func Next(from model.PollStatus, action Action) (model.PollStatus, error) {
	switch action {
	case ActionClose:
		if from == model.PollOpen {
			return model.PollClosed, nil
		}
	case ActionResolve:
		if from == model.PollOpen || from == model.PollClosed {
			return model.PollResolved, nil
		}
	case ActionCancel:
		if from == model.PollOpen || from == model.PollClosed {
			return model.PollCancelled, nil
		}
	case ActionReset:
		switch from {
		case model.PollOpen, model.PollClosed, model.PollResolved, model.PollCancelled:
			return model.PollOpen, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s a %s poll", model.ErrInvalidState, action, from)
}

// Check reports whether action is legal for a poll in status.
func Check(status model.PollStatus, action Action) error {
	_, err := Next(status, action)
	return err
}

// Sources returns the statuses from which action is legal.
func Sources(action Action) []model.PollStatus {
	var from []model.PollStatus
	for _, s := range []model.PollStatus{model.PollOpen, model.PollClosed, model.PollResolved, model.PollCancelled} {
		if Check(s, action) == nil {
			from = append(from, s)
		}
	}
	return from
}

// CanStake reports whether new stakes are accepted.
func CanStake(status model.PollStatus) error {
	if status != model.PollOpen {
		return fmt.Errorf("%w: poll is %s, stakes require open", model.ErrInvalidState, status)
	}
	return nil
}

// Validate checks the poll's own invariants: a known status, and a winning
// option that is set exactly when the poll is resolved and names one of its
// options.
func Validate(p *model.Poll) error {
	switch p.Status {
	case model.PollOpen, model.PollClosed, model.PollResolved, model.PollCancelled:
	default:
		return fmt.Errorf("%w: unknown status %q", model.ErrInvalidState, p.Status)
	}
	if p.Status == model.PollResolved {
		if p.WinningOption == nil {
			return fmt.Errorf("%w: resolved poll %s has no winning option", model.ErrInvalidState, p.ID)
		}
		if !p.HasOption(*p.WinningOption) {
			return fmt.Errorf("%w: winning option %s not in poll %s", model.ErrInvalidState, *p.WinningOption, p.ID)
		}
		return nil
	}
	if p.WinningOption != nil {
		return fmt.Errorf("%w: %s poll %s has a winning option", model.ErrInvalidState, p.Status, p.ID)
	}
	return nil
}
