// Package factory normalizes, validates, and patches Message values.
// It never mutates its input messages; CreateMessage and ApplyPatch
// both return an independent normalized copy or nil on rejection,
// mirroring the scheduler.Store convention of surfacing rejected input
// as an error/false return rather than a panic.
package factory

import (
	"strings"
	"time"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
)

const maxIconLen = 10

// NowFunc is the injectable clock used for stateChangedAt/updatedAt
// bookkeeping. Tests override it to get deterministic timestamps,
// mirroring the nowFunc seam used throughout the teacher's scheduler
// package.
var NowFunc = func() int64 { return time.Now().UnixMilli() }

// CreateMessage normalizes and validates a brand-new message. It
// returns nil if any required field is missing or any enum value is
// unrecognized; callers treat a nil return as a rejected mutation.
func CreateMessage(input *msg.Message) *msg.Message {
	if input == nil {
		return nil
	}
	m := input.Clone()

	m.Ref = strings.TrimSpace(m.Ref)
	m.Title = strings.TrimSpace(m.Title)
	m.Text = strings.TrimSpace(m.Text)
	m.Icon = capIcon(strings.TrimSpace(m.Icon))

	if m.Ref == "" || m.Title == "" || m.Text == "" {
		return nil
	}
	if !constants.ValidKind(m.Kind) {
		return nil
	}
	if !constants.ValidLevel(m.Level) {
		return nil
	}
	if !constants.ValidOriginType(m.Origin.Type) {
		return nil
	}
	if !validAttachments(m.Attachments) {
		return nil
	}
	if !validActions(m.Actions) {
		return nil
	}

	now := NowFunc()
	m.Timing.CreatedAt = now

	if m.Lifecycle.State == "" {
		m.Lifecycle.State = constants.StateOpen
	}
	if !constants.ValidLifecycleState(m.Lifecycle.State) {
		return nil
	}
	m.Lifecycle.StateChangedAt = now

	normalizeProgress(m, 0, true)

	return m
}

// Patch is the set of fields a caller may submit to ApplyPatch. Each
// field is a pointer/slice so "absent" (nil) is distinguishable from
// "present with zero value"; a double-pointer field that is non-nil
// but points at a nil value is treated as "remove this block".
type Patch struct {
	Title    *string
	Text     *string
	Details  **msg.Details
	Audience **msg.Audience
	Progress **msg.Progress
	Origin   **msg.Origin

	Metrics map[string]*msg.MetricValue

	ListItems map[string]*msg.ListItem // id-keyed merge, same key rule as Metrics: a nil value removes that id

	Timing *TimingPatch

	State   *constants.LifecycleState
	StateBy *string
}

// TimingPatch merges field-by-field into Message.Timing; each non-nil
// double pointer present in the struct, when itself nil, removes that
// field (spec's "setting a field to null removes it" rule for timing).
type TimingPatch struct {
	UpdatedAt   **int64
	NotifyAt    **int64
	RemindEvery **int64
	Cooldown    **int64
	TimeBudget  **int64
	ExpiresAt   **int64
	DueAt       **int64
	StartAt     **int64
	EndAt       **int64
}

// ApplyPatch merges patch into existing and returns a normalized copy,
// or nil if the result would be invalid. stealth=true suppresses the
// updatedAt bump (and therefore the downstream "updated" event and the
// immediate-due-on-update rule).
func ApplyPatch(existing *msg.Message, patch *Patch, stealth bool) *msg.Message {
	if existing == nil || patch == nil {
		return nil
	}
	m := existing.Clone()
	now := NowFunc()
	changed := false

	if patch.Title != nil {
		t := strings.TrimSpace(*patch.Title)
		if t == "" {
			return nil
		}
		m.Title = t
		changed = true
	}
	if patch.Text != nil {
		t := strings.TrimSpace(*patch.Text)
		if t == "" {
			return nil
		}
		m.Text = t
		changed = true
	}
	if patch.Details != nil {
		m.Details = cloneDetails(*patch.Details)
		changed = true
	}
	if patch.Audience != nil {
		m.Audience = cloneAudience(*patch.Audience)
		changed = true
	}
	if patch.Progress != nil {
		if *patch.Progress == nil {
			m.Progress = nil
		} else {
			p := **patch.Progress
			m.Progress = &p
		}
		changed = true
	}
	if patch.Origin != nil {
		if *patch.Origin == nil {
			return nil // origin is required; patch cannot remove it
		}
		o := **patch.Origin
		if !constants.ValidOriginType(o.Type) {
			return nil
		}
		m.Origin = o
		changed = true
	}

	if len(patch.Metrics) > 0 {
		if m.Metrics == nil {
			m.Metrics = msg.NewOrderedMetrics()
		}
		m.Metrics.MergePatch(patch.Metrics)
		changed = true
	}

	if len(patch.ListItems) > 0 {
		m.ListItems = mergeListItems(m.ListItems, patch.ListItems)
		changed = true
	}

	if patch.Timing != nil {
		applyTimingPatch(&m.Timing, patch.Timing)
		changed = true
	}

	if patch.State != nil {
		if !constants.ValidLifecycleState(*patch.State) {
			return nil
		}
		if m.Lifecycle.State != *patch.State {
			m.Lifecycle.State = *patch.State
			m.Lifecycle.StateChangedAt = now
			if patch.StateBy != nil {
				m.Lifecycle.StateChangedBy = *patch.StateBy
			}
		}
		changed = true
	}

	if !validAttachments(m.Attachments) || !validActions(m.Actions) {
		return nil
	}

	normalizeProgress(m, progressPercentage(existing.Progress), false)

	if changed && !stealth {
		m.Timing.UpdatedAt = ptr(now)
	}

	return m
}

func applyTimingPatch(t *msg.Timing, p *TimingPatch) {
	applyInt64Field(&t.UpdatedAt, p.UpdatedAt)
	applyInt64Field(&t.NotifyAt, p.NotifyAt)
	applyInt64Field(&t.RemindEvery, p.RemindEvery)
	applyInt64Field(&t.Cooldown, p.Cooldown)
	applyInt64Field(&t.TimeBudget, p.TimeBudget)
	applyInt64Field(&t.ExpiresAt, p.ExpiresAt)
	applyInt64Field(&t.DueAt, p.DueAt)
	applyInt64Field(&t.StartAt, p.StartAt)
	applyInt64Field(&t.EndAt, p.EndAt)
}

// applyInt64Field applies one TimingPatch field. field is nil-checked
// by the caller's enclosing `if patch.Timing != nil` so p being nil
// here means "field not present in the patch", left untouched; p
// pointing at a nil **int64 means "present with value null", which
// clears dst.
func applyInt64Field(dst **int64, p **int64) {
	if p == nil {
		return
	}
	*dst = *p
}

func progressPercentage(p *msg.Progress) int {
	if p == nil {
		return 0
	}
	return p.Percentage
}

// normalizeProgress enforces the startedAt/finishedAt crossing rules
// (spec §4.1): 0→>0 sets startedAt once, reaching 100 sets finishedAt,
// dropping below 100 clears it. prevPct is the percentage before this
// call; onCreate skips the "started from a prior value" comparison
// since there is no prior value yet.
func normalizeProgress(m *msg.Message, prevPct int, onCreate bool) {
	if m.Progress == nil {
		return
	}
	now := NowFunc()
	if m.Progress.Percentage < 0 {
		m.Progress.Percentage = 0
	}
	if m.Progress.Percentage > 100 {
		m.Progress.Percentage = 100
	}

	becameActive := m.Progress.Percentage > 0 && (onCreate || prevPct == 0)
	if becameActive && m.Progress.StartedAt == nil {
		m.Progress.StartedAt = ptr(now)
	}
	if m.Progress.Percentage == 100 {
		if m.Progress.FinishedAt == nil {
			m.Progress.FinishedAt = ptr(now)
		}
	} else {
		m.Progress.FinishedAt = nil
	}
}

func validAttachments(atts []msg.Attachment) bool {
	for _, a := range atts {
		if !constants.ValidAttachmentType(a.Type) {
			return false
		}
	}
	return true
}

func validActions(actions []msg.Action) bool {
	for _, a := range actions {
		if !constants.ValidActionType(a.Type) {
			return false
		}
	}
	return true
}

// mergeListItems applies an id-keyed merge, the same key rule Metrics
// uses: an id present with a non-nil value replaces the existing item
// with that id or appends it if new; an id present with a nil value
// removes that item.
func mergeListItems(existing []msg.ListItem, patch map[string]*msg.ListItem) []msg.ListItem {
	out := append([]msg.ListItem(nil), existing...)
	index := make(map[string]int, len(out))
	for i, li := range out {
		index[li.ID] = i
	}
	for id, li := range patch {
		i, exists := index[id]
		if li == nil {
			if exists {
				out = append(out[:i], out[i+1:]...)
				delete(index, id)
				for k, idx := range index {
					if idx > i {
						index[k] = idx - 1
					}
				}
			}
			continue
		}
		if exists {
			out[i] = *li
			continue
		}
		index[id] = len(out)
		out = append(out, *li)
	}
	return out
}

func cloneDetails(d *msg.Details) *msg.Details {
	if d == nil {
		return nil
	}
	c := *d
	c.Tools = append([]string(nil), d.Tools...)
	c.Consumables = append([]string(nil), d.Consumables...)
	return &c
}

func cloneAudience(a *msg.Audience) *msg.Audience {
	if a == nil {
		return nil
	}
	c := *a
	c.Tags = append([]string(nil), a.Tags...)
	if a.Channels != nil {
		ch := *a.Channels
		ch.Include = append([]string(nil), a.Channels.Include...)
		ch.Exclude = append([]string(nil), a.Channels.Exclude...)
		c.Channels = &ch
	}
	return &c
}

func capIcon(s string) string {
	if len(s) <= maxIconLen {
		return s
	}
	return s[:maxIconLen]
}

func ptr(v int64) *int64 { return &v }
