// Package msg defines the canonical Message entity (spec.md §3) and its
// nested structured blocks. The store owns the canonical list; every
// other component receives Message values (or pointers to independent
// copies) rather than a shared mutable reference, matching the
// teacher's "return a copy to avoid race conditions" convention from
// memory.Store.GetConversation.
package msg

import "github.com/stacknerd/msghub/internal/constants"

// Message is the canonical entity persisted by the store, grouped by
// concern exactly as spec.md §3 describes.
type Message struct {
	// Identity
	Ref string `json:"ref"`

	// Presentation
	Icon  string `json:"icon,omitempty"`
	Title string `json:"title"`
	Text  string `json:"text"`

	// Classification
	Kind   constants.Kind   `json:"kind"`
	Level  constants.Level  `json:"level"`
	Origin Origin           `json:"origin"`

	// Lifecycle
	Lifecycle Lifecycle `json:"lifecycle"`

	// Timing (all ms since epoch)
	Timing Timing `json:"timing"`

	// Structured blocks
	Details  *Details  `json:"details,omitempty"`
	Audience *Audience `json:"audience,omitempty"`

	// Collections
	Metrics     *OrderedMetrics `json:"metrics,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ListItems   []ListItem      `json:"listItems,omitempty"`
	Actions     []Action        `json:"actions,omitempty"`

	// Relationships
	Dependencies []string `json:"dependencies,omitempty"`

	// Progress
	Progress *Progress `json:"progress,omitempty"`

	// View-only, never set by producers, always recomputed on render.
	ActionsInactive []constants.ActionType `json:"actionsInactive,omitempty"`
	Display         *Display               `json:"display,omitempty"`
}

// Origin identifies how a message was produced.
type Origin struct {
	Type   constants.OriginType `json:"type"`
	System string               `json:"system,omitempty"`
	ID     string               `json:"id,omitempty"`
}

// Lifecycle tracks the message's state machine position.
type Lifecycle struct {
	State          constants.LifecycleState `json:"state"`
	StateChangedAt int64                    `json:"stateChangedAt"`
	StateChangedBy string                   `json:"stateChangedBy,omitempty"`
}

// Timing holds every ms-resolution timestamp/duration field. Pointers
// distinguish "absent" from "zero" for optional fields, matching
// spec.md §4.1's patch rule that setting a timing field to null removes
// it.
type Timing struct {
	CreatedAt   int64          `json:"createdAt"`
	UpdatedAt   *int64         `json:"updatedAt,omitempty"`
	NotifyAt    *int64         `json:"notifyAt,omitempty"`
	RemindEvery *int64         `json:"remindEvery,omitempty"`
	Cooldown    *int64         `json:"cooldown,omitempty"`
	NotifiedAt  map[string]int64 `json:"notifiedAt,omitempty"`
	TimeBudget  *int64         `json:"timeBudget,omitempty"`
	ExpiresAt   *int64         `json:"expiresAt,omitempty"`
	DueAt       *int64         `json:"dueAt,omitempty"`
	StartAt     *int64         `json:"startAt,omitempty"`
	EndAt       *int64         `json:"endAt,omitempty"`
}

// Details is a block-replaced structured field.
type Details struct {
	Location    string   `json:"location,omitempty"`
	Task        string   `json:"task,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Consumables []string `json:"consumables,omitempty"`
}

// Audience is a block-replaced structured field controlling
// audience-channel routing (spec.md §4.5).
type Audience struct {
	Tags     []string        `json:"tags,omitempty"`
	Channels *AudienceChannels `json:"channels,omitempty"`
}

// AudienceChannels declares which notify channels may/may not carry a
// message.
type AudienceChannels struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Attachment is a media payload attached to a message.
type Attachment struct {
	Type  constants.AttachmentType `json:"type"`
	Value string                   `json:"value"`
}

// Quantity pairs a numeric value with a unit, used by ListItem.
type Quantity struct {
	Val  float64 `json:"val"`
	Unit string  `json:"unit,omitempty"`
}

// ListItem is one line of a shopping/inventory list, id-keyed for
// patch merge (spec.md §4.1).
type ListItem struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Category string    `json:"category,omitempty"`
	Quantity *Quantity `json:"quantity,omitempty"`
	PerUnit  *Quantity `json:"perUnit,omitempty"`
	Checked  bool      `json:"checked"`
}

// Action declares one control-plane operation this message permits.
type Action struct {
	Type    constants.ActionType `json:"type"`
	ID      string               `json:"id"`
	Payload map[string]any       `json:"payload,omitempty"`
}

// Progress is a block-replaced structured field tracking completion.
type Progress struct {
	Percentage int    `json:"percentage"`
	StartedAt  *int64 `json:"startedAt,omitempty"`
	FinishedAt *int64 `json:"finishedAt,omitempty"`
}

// Display is the rendered, view-only presentation of a message,
// produced by internal/renderer and never persisted by producers.
type Display struct {
	Icon           string `json:"icon"`
	Title          string `json:"title"`
	Text           string `json:"text"`
	RenderedDataTs int64  `json:"renderedDataTs,omitempty"`
}

// Clone returns a deep copy of the message so callers can mutate the
// result without affecting stored state (spec.md §5 "Shared
// resources"). Mirrors memory.Conversation.copy()'s defensive-copy
// discipline.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Origin = m.Origin
	c.Lifecycle = m.Lifecycle
	c.Timing = m.Timing.clone()
	if m.Details != nil {
		d := *m.Details
		d.Tools = append([]string(nil), m.Details.Tools...)
		d.Consumables = append([]string(nil), m.Details.Consumables...)
		c.Details = &d
	}
	if m.Audience != nil {
		a := *m.Audience
		a.Tags = append([]string(nil), m.Audience.Tags...)
		if m.Audience.Channels != nil {
			ch := *m.Audience.Channels
			ch.Include = append([]string(nil), m.Audience.Channels.Include...)
			ch.Exclude = append([]string(nil), m.Audience.Channels.Exclude...)
			a.Channels = &ch
		}
		c.Audience = &a
	}
	if m.Metrics != nil {
		c.Metrics = m.Metrics.Clone()
	}
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.ListItems = append([]ListItem(nil), m.ListItems...)
	c.Actions = cloneActions(m.Actions)
	c.Dependencies = append([]string(nil), m.Dependencies...)
	if m.Progress != nil {
		p := *m.Progress
		c.Progress = &p
	}
	c.ActionsInactive = append([]constants.ActionType(nil), m.ActionsInactive...)
	if m.Display != nil {
		d := *m.Display
		c.Display = &d
	}
	return &c
}

func (t Timing) clone() Timing {
	c := t
	c.UpdatedAt = clonePtr(t.UpdatedAt)
	c.NotifyAt = clonePtr(t.NotifyAt)
	c.RemindEvery = clonePtr(t.RemindEvery)
	c.Cooldown = clonePtr(t.Cooldown)
	c.TimeBudget = clonePtr(t.TimeBudget)
	c.ExpiresAt = clonePtr(t.ExpiresAt)
	c.DueAt = clonePtr(t.DueAt)
	c.StartAt = clonePtr(t.StartAt)
	c.EndAt = clonePtr(t.EndAt)
	if t.NotifiedAt != nil {
		c.NotifiedAt = make(map[string]int64, len(t.NotifiedAt))
		for k, v := range t.NotifiedAt {
			c.NotifiedAt[k] = v
		}
	}
	return c
}

func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		out[i] = a
		if a.Payload != nil {
			p := make(map[string]any, len(a.Payload))
			for k, v := range a.Payload {
				p[k] = v
			}
			out[i].Payload = p
		}
	}
	return out
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
