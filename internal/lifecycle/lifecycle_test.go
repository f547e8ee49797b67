package lifecycle

import (
	"errors"
	"testing"

	"github.com/atmx/pool-settlement/internal/model"
)

func TestNext_Transitions(t *testing.T) {
	tests := []struct {
		from   model.PollStatus
		action Action
		want   model.PollStatus
		ok     bool
	}{
		{model.PollOpen, ActionClose, model.PollClosed, true},
		{model.PollClosed, ActionClose, "", false},
		{model.PollResolved, ActionClose, "", false},

		{model.PollOpen, ActionResolve, model.PollResolved, true},
		{model.PollClosed, ActionResolve, model.PollResolved, true},
		{model.PollResolved, ActionResolve, "", false},
		{model.PollCancelled, ActionResolve, "", false},

		{model.PollOpen, ActionCancel, model.PollCancelled, true},
		{model.PollClosed, ActionCancel, model.PollCancelled, true},
		{model.PollResolved, ActionCancel, "", false},
		{model.PollCancelled, ActionCancel, "", false},

		{model.PollOpen, ActionReset, model.PollOpen, true},
		{model.PollClosed, ActionReset, model.PollOpen, true},
		{model.PollResolved, ActionReset, model.PollOpen, true},
		{model.PollCancelled, ActionReset, model.PollOpen, true},
	}

	for _, tt := range tests {
		got, err := Next(tt.from, tt.action)
		if tt.ok {
			if err != nil {
				t.Errorf("%s on %s: unexpected error %v", tt.action, tt.from, err)
			}
			if got != tt.want {
				t.Errorf("%s on %s: expected %s, got %s", tt.action, tt.from, tt.want, got)
			}
			continue
		}
		if !errors.Is(err, model.ErrInvalidState) {
			t.Errorf("%s on %s: expected ErrInvalidState, got %v", tt.action, tt.from, err)
		}
	}
}

func TestNext_UnknownStatus(t *testing.T) {
	if _, err := Next("archived", ActionReset); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCanStake(t *testing.T) {
	if err := CanStake(model.PollOpen); err != nil {
		t.Errorf("open poll should accept stakes, got %v", err)
	}
	for _, s := range []model.PollStatus{model.PollClosed, model.PollResolved, model.PollCancelled} {
		if err := CanStake(s); !errors.Is(err, model.ErrInvalidState) {
			t.Errorf("%s poll should reject stakes, got %v", s, err)
		}
	}
}

func TestSources(t *testing.T) {
	tests := []struct {
		action Action
		want   []model.PollStatus
	}{
		{ActionClose, []model.PollStatus{model.PollOpen}},
		{ActionResolve, []model.PollStatus{model.PollOpen, model.PollClosed}},
		{ActionCancel, []model.PollStatus{model.PollOpen, model.PollClosed}},
		{ActionReset, []model.PollStatus{model.PollOpen, model.PollClosed, model.PollResolved, model.PollCancelled}},
	}
	for _, tt := range tests {
		got := Sources(tt.action)
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.action, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: got %v, want %v", tt.action, got, tt.want)
				break
			}
		}
	}
}

func TestForEvent(t *testing.T) {
	if ForEvent(model.EventCancel) != ActionCancel ||
		ForEvent(model.EventReset) != ActionReset ||
		ForEvent(model.EventResolve) != ActionResolve {
		t.Error("event kinds map to the wrong actions")
	}
}

func TestValidate_WinningOptionInvariant(t *testing.T) {
	a := "A"
	zzz := "Z"
	options := []model.Option{{ID: "A", PollID: "p"}, {ID: "B", PollID: "p"}}

	tests := []struct {
		name string
		poll model.Poll
		ok   bool
	}{
		{"open without winner", model.Poll{ID: "p", Options: options, Status: model.PollOpen}, true},
		{"resolved with winner", model.Poll{ID: "p", Options: options, Status: model.PollResolved, WinningOption: &a}, true},
		{"resolved without winner", model.Poll{ID: "p", Options: options, Status: model.PollResolved}, false},
		{"resolved with foreign winner", model.Poll{ID: "p", Options: options, Status: model.PollResolved, WinningOption: &zzz}, false},
		{"cancelled with winner", model.Poll{ID: "p", Options: options, Status: model.PollCancelled, WinningOption: &a}, false},
		{"unknown status", model.Poll{ID: "p", Options: options, Status: "paused"}, false},
	}
	for _, tt := range tests {
		err := Validate(&tt.poll)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, model.ErrInvalidState) {
			t.Errorf("%s: expected ErrInvalidState, got %v", tt.name, err)
		}
	}
}
