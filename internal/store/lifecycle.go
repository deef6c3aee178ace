package store

import (
	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
)

// allQuasiDeleted reports whether every entry in entries is in a
// quasi-deleted state, the precondition for addMessage to treat a
// ref collision as a recreation rather than a conflict.
func allQuasiDeleted(entries []*msg.Message) bool {
	for _, m := range entries {
		if !constants.QuasiDeleted(m.Lifecycle.State) {
			return false
		}
	}
	return true
}

// latestPurgeAndCooldown finds the most recently purged entry among
// prior (by stateChangedAt) and returns its purge time and the
// cooldown it declared. Cooldown is a property of the purged entry,
// not of the new create call: spec.md §8 sets `cooldown` on the
// existing entry before the recreating addMessage is ever issued.
func latestPurgeAndCooldown(prior []*msg.Message) (latestPurgedAt int64, cooldown int64) {
	var latest *msg.Message
	for _, m := range prior {
		if latest == nil || m.Lifecycle.StateChangedAt > latest.Lifecycle.StateChangedAt {
			latest = m
		}
	}
	if latest == nil {
		return 0, 0
	}
	latestPurgedAt = latest.Lifecycle.StateChangedAt
	if latest.Timing.Cooldown != nil {
		cooldown = *latest.Timing.Cooldown
	}
	return latestPurgedAt, cooldown
}

// classifyRecreation decides whether inserting a new entry over the
// quasi-deleted prior entries is a recovery (within the declared
// cooldown of the last purge) or a plain recreation.
func classifyRecreation(prior []*msg.Message, now int64) constants.NotifyEvent {
	lastPurgedAt, cooldown := latestPurgeAndCooldown(prior)
	if cooldown > 0 && now-lastPurgedAt <= cooldown {
		return constants.EventRecovered
	}
	return constants.EventRecreated
}
