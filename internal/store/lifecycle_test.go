package store

import (
	"testing"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
)

func TestAllQuasiDeleted(t *testing.T) {
	quasi := []*msg.Message{
		{Lifecycle: msg.Lifecycle{State: constants.StateClosed}},
		{Lifecycle: msg.Lifecycle{State: constants.StateDeleted}},
	}
	if !allQuasiDeleted(quasi) {
		t.Error("expected all-quasi-deleted entries to report true")
	}

	mixed := append(quasi, &msg.Message{Lifecycle: msg.Lifecycle{State: constants.StateOpen}})
	if allQuasiDeleted(mixed) {
		t.Error("expected a mix containing an open entry to report false")
	}
}

func TestClassifyRecreation(t *testing.T) {
	cooldown := int64(1000)

	t.Run("within cooldown of the purged entry is recovered", func(t *testing.T) {
		prior := []*msg.Message{{
			Lifecycle: msg.Lifecycle{StateChangedAt: 5000},
			Timing:    msg.Timing{Cooldown: &cooldown},
		}}
		event := classifyRecreation(prior, 5500)
		if event != constants.EventRecovered {
			t.Errorf("event = %q, want %q", event, constants.EventRecovered)
		}
	})

	t.Run("outside cooldown of the purged entry is recreated", func(t *testing.T) {
		prior := []*msg.Message{{
			Lifecycle: msg.Lifecycle{StateChangedAt: 5000},
			Timing:    msg.Timing{Cooldown: &cooldown},
		}}
		event := classifyRecreation(prior, 7000)
		if event != constants.EventRecreated {
			t.Errorf("event = %q, want %q", event, constants.EventRecreated)
		}
	})

	t.Run("no cooldown declared on the purged entry is always recreated", func(t *testing.T) {
		prior := []*msg.Message{{Lifecycle: msg.Lifecycle{StateChangedAt: 5000}}}
		event := classifyRecreation(prior, 5001)
		if event != constants.EventRecreated {
			t.Errorf("event = %q, want %q", event, constants.EventRecreated)
		}
	})

	t.Run("cooldown is read from the most recently purged entry", func(t *testing.T) {
		prior := []*msg.Message{
			{Lifecycle: msg.Lifecycle{StateChangedAt: 1000}},
			{Lifecycle: msg.Lifecycle{StateChangedAt: 5000}, Timing: msg.Timing{Cooldown: &cooldown}},
		}
		event := classifyRecreation(prior, 5500)
		if event != constants.EventRecovered {
			t.Errorf("event = %q, want %q", event, constants.EventRecovered)
		}
	})
}
