package factory

import (
	"testing"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
)

func withFixedClock(t *testing.T, ts int64) {
	t.Helper()
	orig := NowFunc
	NowFunc = func() int64 { return ts }
	t.Cleanup(func() { NowFunc = orig })
}

func validInput() *msg.Message {
	return &msg.Message{
		Ref:   "t1",
		Title: "  x  ",
		Text:  "y",
		Kind:  constants.KindTask,
		Level: constants.LevelNotice,
		Origin: msg.Origin{
			Type: constants.OriginManual,
		},
	}
}

func TestCreateMessage_RequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		break_ func(*msg.Message)
	}{
		{"empty ref", func(m *msg.Message) { m.Ref = "" }},
		{"empty title", func(m *msg.Message) { m.Title = "  " }},
		{"empty text", func(m *msg.Message) { m.Text = "" }},
		{"bad kind", func(m *msg.Message) { m.Kind = "bogus" }},
		{"bad level", func(m *msg.Message) { m.Level = 99 }},
		{"bad origin", func(m *msg.Message) { m.Origin.Type = "bogus" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			input := validInput()
			c.break_(input)
			if got := CreateMessage(input); got != nil {
				t.Errorf("CreateMessage(%+v) = %+v, want nil", input, got)
			}
		})
	}
}

func TestCreateMessage_NormalizesAndDefaults(t *testing.T) {
	withFixedClock(t, 1000)
	input := validInput()
	input.Icon = "way-too-long-icon-name"

	got := CreateMessage(input)
	if got == nil {
		t.Fatal("CreateMessage() = nil, want normalized message")
	}
	if got.Title != "x" {
		t.Errorf("Title = %q, want trimmed %q", got.Title, "x")
	}
	if len(got.Icon) != 10 {
		t.Errorf("Icon len = %d, want capped to 10", len(got.Icon))
	}
	if got.Lifecycle.State != constants.StateOpen {
		t.Errorf("State = %q, want default open", got.Lifecycle.State)
	}
	if got.Timing.CreatedAt != 1000 {
		t.Errorf("CreatedAt = %d, want 1000", got.Timing.CreatedAt)
	}
	if got.Lifecycle.StateChangedAt != 1000 {
		t.Errorf("StateChangedAt = %d, want 1000", got.Lifecycle.StateChangedAt)
	}
}

func TestCreateMessage_DoesNotMutateInput(t *testing.T) {
	input := validInput()
	CreateMessage(input)
	if input.Timing.CreatedAt != 0 {
		t.Error("CreateMessage must not mutate its input")
	}
}

func TestCreateMessage_RejectsBadAttachmentOrAction(t *testing.T) {
	input := validInput()
	input.Attachments = []msg.Attachment{{Type: "bogus", Value: "x"}}
	if got := CreateMessage(input); got != nil {
		t.Error("expected nil for invalid attachment type")
	}

	input2 := validInput()
	input2.Actions = []msg.Action{{Type: "bogus", ID: "a"}}
	if got := CreateMessage(input2); got != nil {
		t.Error("expected nil for invalid action type")
	}
}

func TestApplyPatch_TitleTextBlockReplace(t *testing.T) {
	withFixedClock(t, 2000)
	existing := CreateMessage(validInput())
	newTitle := "new title"
	patched := ApplyPatch(existing, &Patch{Title: &newTitle}, false)
	if patched == nil {
		t.Fatal("ApplyPatch() = nil")
	}
	if patched.Title != "new title" {
		t.Errorf("Title = %q, want %q", patched.Title, "new title")
	}
	if patched.Timing.UpdatedAt == nil || *patched.Timing.UpdatedAt != 2000 {
		t.Errorf("UpdatedAt = %v, want 2000", patched.Timing.UpdatedAt)
	}
}

func TestApplyPatch_StealthSuppressesUpdatedAt(t *testing.T) {
	withFixedClock(t, 2000)
	existing := CreateMessage(validInput())
	newTitle := "new title"
	patched := ApplyPatch(existing, &Patch{Title: &newTitle}, true)
	if patched == nil {
		t.Fatal("ApplyPatch() = nil")
	}
	if patched.Timing.UpdatedAt != nil {
		t.Errorf("UpdatedAt = %v, want nil (stealth)", patched.Timing.UpdatedAt)
	}
}

func TestApplyPatch_DetailsBlockReplace(t *testing.T) {
	existing := CreateMessage(validInput())
	existing.Details = &msg.Details{Location: "kitchen", Tools: []string{"ladder"}}

	newDetails := &msg.Details{Location: "garage"}
	patched := ApplyPatch(existing, &Patch{Details: &newDetails}, true)
	if patched.Details.Location != "garage" || len(patched.Details.Tools) != 0 {
		t.Errorf("Details = %+v, want full block replace", patched.Details)
	}
}

func TestApplyPatch_DetailsNilRemovesBlock(t *testing.T) {
	existing := CreateMessage(validInput())
	existing.Details = &msg.Details{Location: "kitchen"}

	var nilDetails *msg.Details
	patched := ApplyPatch(existing, &Patch{Details: &nilDetails}, true)
	if patched.Details != nil {
		t.Errorf("Details = %+v, want nil after null patch", patched.Details)
	}
}

func TestApplyPatch_MetricsMergeByKey(t *testing.T) {
	existing := CreateMessage(validInput())
	existing.Metrics = msg.NewOrderedMetrics()
	existing.Metrics.Set("temperature", msg.MetricValue{Val: 20})
	existing.Metrics.Set("humidity", msg.MetricValue{Val: 40})

	newTemp := msg.MetricValue{Val: 25}
	patched := ApplyPatch(existing, &Patch{
		Metrics: map[string]*msg.MetricValue{
			"temperature": &newTemp,
			"humidity":    nil,
			"pressure":    {Val: 1013},
		},
	}, true)

	if v, ok := patched.Metrics.Get("temperature"); !ok || v.Val != 25 {
		t.Errorf("temperature = %v, %v, want 25, true", v, ok)
	}
	if _, ok := patched.Metrics.Get("humidity"); ok {
		t.Error("humidity should have been removed")
	}
	if v, ok := patched.Metrics.Get("pressure"); !ok || v.Val != 1013 {
		t.Errorf("pressure = %v, %v, want 1013, true", v, ok)
	}
}

func TestApplyPatch_ListItemsMergeByID(t *testing.T) {
	existing := CreateMessage(validInput())
	existing.ListItems = []msg.ListItem{
		{ID: "1", Name: "milk"},
		{ID: "2", Name: "eggs"},
	}

	patched := ApplyPatch(existing, &Patch{
		ListItems: map[string]*msg.ListItem{
			"2": {ID: "2", Name: "eggs", Checked: true},
			"3": {ID: "3", Name: "bread"},
		},
	}, true)

	if len(patched.ListItems) != 3 {
		t.Fatalf("ListItems len = %d, want 3", len(patched.ListItems))
	}
	byID := map[string]msg.ListItem{}
	for _, li := range patched.ListItems {
		byID[li.ID] = li
	}
	if !byID["2"].Checked {
		t.Error("item 2 should be checked after merge")
	}
	if byID["1"].Name != "milk" {
		t.Error("item 1 should survive untouched")
	}
	if byID["3"].Name != "bread" {
		t.Error("item 3 should have been appended")
	}
}

func TestApplyPatch_ListItemsNilValueRemoves(t *testing.T) {
	existing := CreateMessage(validInput())
	existing.ListItems = []msg.ListItem{
		{ID: "1", Name: "milk"},
		{ID: "2", Name: "eggs"},
	}

	patched := ApplyPatch(existing, &Patch{
		ListItems: map[string]*msg.ListItem{
			"1": nil,
		},
	}, true)

	if len(patched.ListItems) != 1 {
		t.Fatalf("ListItems len = %d, want 1", len(patched.ListItems))
	}
	if patched.ListItems[0].ID != "2" {
		t.Errorf("remaining item = %q, want %q", patched.ListItems[0].ID, "2")
	}
}

func TestApplyPatch_TimingFieldByFieldMerge(t *testing.T) {
	existing := CreateMessage(validInput())
	notify := int64(5000)
	existing.Timing.NotifyAt = &notify
	cooldown := int64(1000)
	existing.Timing.Cooldown = &cooldown

	dueAtVal := int64(9000)
	dueAt := &dueAtVal
	var nilNotify *int64
	patched := ApplyPatch(existing, &Patch{
		Timing: &TimingPatch{
			NotifyAt: &nilNotify,
			DueAt:    &dueAt,
		},
	}, true)

	if patched.Timing.NotifyAt != nil {
		t.Error("NotifyAt should have been cleared")
	}
	if patched.Timing.DueAt == nil || *patched.Timing.DueAt != 9000 {
		t.Errorf("DueAt = %v, want 9000", patched.Timing.DueAt)
	}
	if patched.Timing.Cooldown == nil || *patched.Timing.Cooldown != 1000 {
		t.Error("Cooldown should be untouched by unrelated timing patch fields")
	}
}

func TestApplyPatch_StateChangeSetsStateChangedAt(t *testing.T) {
	withFixedClock(t, 1000)
	existing := CreateMessage(validInput())
	withFixedClock(t, 5000)

	closed := constants.StateClosed
	patched := ApplyPatch(existing, &Patch{State: &closed}, true)
	if patched.Lifecycle.State != constants.StateClosed {
		t.Errorf("State = %q, want closed", patched.Lifecycle.State)
	}
	if patched.Lifecycle.StateChangedAt != 5000 {
		t.Errorf("StateChangedAt = %d, want 5000", patched.Lifecycle.StateChangedAt)
	}
}

func TestApplyPatch_ProgressCrossingRules(t *testing.T) {
	withFixedClock(t, 1000)
	existing := CreateMessage(validInput())
	existing.Progress = &msg.Progress{Percentage: 0}

	p50 := &msg.Progress{Percentage: 50}
	patched := ApplyPatch(existing, &Patch{Progress: &p50}, true)
	if patched.Progress.StartedAt == nil {
		t.Error("StartedAt should be set on 0->50 crossing")
	}
	if patched.Progress.FinishedAt != nil {
		t.Error("FinishedAt should be absent at 50%")
	}

	p100 := &msg.Progress{Percentage: 100, StartedAt: patched.Progress.StartedAt}
	patched2 := ApplyPatch(patched, &Patch{Progress: &p100}, true)
	if patched2.Progress.FinishedAt == nil {
		t.Error("FinishedAt should be set at 100%")
	}

	p80 := &msg.Progress{Percentage: 80, StartedAt: patched2.Progress.StartedAt}
	patched3 := ApplyPatch(patched2, &Patch{Progress: &p80}, true)
	if patched3.Progress.FinishedAt != nil {
		t.Error("FinishedAt should be cleared when dropping below 100")
	}
}

func TestApplyPatch_RejectsMissingRef(t *testing.T) {
	if ApplyPatch(nil, &Patch{}, true) != nil {
		t.Error("ApplyPatch(nil, ...) should return nil")
	}
}

func TestApplyPatch_OriginNullRejected(t *testing.T) {
	existing := CreateMessage(validInput())
	var nilOrigin *msg.Origin
	if got := ApplyPatch(existing, &Patch{Origin: &nilOrigin}, true); got != nil {
		t.Error("origin is required; patch setting it to null should be rejected")
	}
}

func TestApplyPatch_EmptyTitleRejected(t *testing.T) {
	existing := CreateMessage(validInput())
	empty := "   "
	if got := ApplyPatch(existing, &Patch{Title: &empty}, true); got != nil {
		t.Error("blank title patch should be rejected")
	}
}
