package msg

import (
	"testing"

	"github.com/stacknerd/msghub/internal/constants"
)

func sampleMessage() *Message {
	notify := int64(1000)
	return &Message{
		Ref:   "kitchen.smoke_detector.low_battery",
		Title: "Low battery",
		Text:  "{{m.title}}",
		Kind:  constants.KindStatus,
		Level: constants.LevelWarning,
		Origin: Origin{
			Type:   constants.OriginAutomation,
			System: "homeassistant",
			ID:     "sensor.kitchen_smoke_battery",
		},
		Lifecycle: Lifecycle{State: constants.StateOpen, StateChangedAt: 1000},
		Timing:    Timing{CreatedAt: 1000, NotifyAt: &notify},
		Details:   &Details{Location: "kitchen", Tools: []string{"ladder"}},
		Audience: &Audience{
			Tags:     []string{"home"},
			Channels: &AudienceChannels{Include: []string{"mobile"}},
		},
		Actions: []Action{{Type: constants.ActionAck, ID: "ack", Payload: map[string]any{"x": 1}}},
	}
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	orig := sampleMessage()
	clone := orig.Clone()

	clone.Title = "mutated"
	clone.Details.Location = "garage"
	clone.Details.Tools[0] = "wrench"
	clone.Audience.Tags[0] = "away"
	clone.Audience.Channels.Include[0] = "email"
	clone.Actions[0].Payload["x"] = 2
	*clone.Timing.NotifyAt = 9999

	if orig.Title == "mutated" {
		t.Error("Title mutation leaked into original")
	}
	if orig.Details.Location == "garage" {
		t.Error("Details mutation leaked into original")
	}
	if orig.Details.Tools[0] == "wrench" {
		t.Error("Details.Tools mutation leaked into original")
	}
	if orig.Audience.Tags[0] == "away" {
		t.Error("Audience.Tags mutation leaked into original")
	}
	if orig.Audience.Channels.Include[0] == "email" {
		t.Error("Audience.Channels mutation leaked into original")
	}
	if orig.Actions[0].Payload["x"] == 2 {
		t.Error("Actions.Payload mutation leaked into original")
	}
	if *orig.Timing.NotifyAt == 9999 {
		t.Error("Timing.NotifyAt mutation leaked into original")
	}
}

func TestMessage_CloneNilReturnsNil(t *testing.T) {
	var m *Message
	if m.Clone() != nil {
		t.Error("Clone() of nil Message should return nil")
	}
}

func TestMessage_CloneHandlesNilOptionalBlocks(t *testing.T) {
	m := &Message{Ref: "a.b", Kind: constants.KindTask}
	c := m.Clone()
	if c.Details != nil || c.Audience != nil || c.Metrics != nil || c.Progress != nil || c.Display != nil {
		t.Error("Clone() should leave nil optional blocks nil")
	}
}
