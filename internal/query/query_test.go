package query

import (
	"testing"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
)

func lvl(l constants.Level) *constants.Level { return &l }
func i64(v int64) *int64                     { return &v }

func sampleSet() []*msg.Message {
	return []*msg.Message{
		{Ref: "a", Kind: constants.KindTask, Level: constants.LevelInfo, Lifecycle: msg.Lifecycle{State: constants.StateOpen}, Timing: msg.Timing{CreatedAt: 100}},
		{Ref: "b", Kind: constants.KindStatus, Level: constants.LevelWarning, Lifecycle: msg.Lifecycle{State: constants.StateOpen}, Timing: msg.Timing{CreatedAt: 200}},
		{Ref: "c", Kind: constants.KindTask, Level: constants.LevelCritical, Lifecycle: msg.Lifecycle{State: constants.StateClosed}, Timing: msg.Timing{CreatedAt: 50}},
		{Ref: "d", Kind: constants.KindTask, Level: constants.LevelInfo, Lifecycle: msg.Lifecycle{State: constants.StateExpired}, Timing: msg.Timing{CreatedAt: 10}},
	}
}

func TestRun_HidesDeletedAndExpiredByDefault(t *testing.T) {
	res, err := Run(sampleSet(), Spec{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	for _, m := range res.Items {
		if m.Lifecycle.State == constants.StateExpired || m.Lifecycle.State == constants.StateDeleted {
			t.Errorf("hidden-by-default state leaked into results: %s", m.Ref)
		}
	}
	// closed is not hidden by the query engine (only deleted/expired per spec).
	if res.Total != 3 {
		t.Errorf("Total = %d, want 3 (a, b, c visible; d hidden)", res.Total)
	}
}

func TestRun_ExplicitStateInReAdmitsExpired(t *testing.T) {
	res, err := Run(sampleSet(), Spec{
		Where: &Where{State: &EnumFilter{In: []string{"expired"}}},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Total != 1 || res.Items[0].Ref != "d" {
		t.Errorf("explicit state.in=[expired] should re-admit d, got %+v", res.Items)
	}
}

func TestRun_NotInDoesNotReAdmitExpired(t *testing.T) {
	res, err := Run(sampleSet(), Spec{
		Where: &Where{State: &EnumFilter{NotIn: []string{"open"}}},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	for _, m := range res.Items {
		if m.Lifecycle.State == constants.StateExpired {
			t.Error("notIn filter should not re-admit expired")
		}
	}
}

func TestRun_LevelRange(t *testing.T) {
	res, err := Run(sampleSet(), Spec{
		Where: &Where{Level: &LevelFilter{Min: lvl(constants.LevelWarning)}},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	// c is closed, which the query engine does not hide, so it matches too.
	if res.Total != 2 || res.Items[0].Ref != "b" || res.Items[1].Ref != "c" {
		t.Errorf("level >= warning should match b and c, got %+v", res.Items)
	}
}

func TestRun_LevelInAndNotInMutuallyExclusive(t *testing.T) {
	_, err := Run(sampleSet(), Spec{
		Where: &Where{Level: &LevelFilter{In: []constants.Level{10}, NotIn: []constants.Level{20}}},
	})
	if err == nil {
		t.Fatal("expected TypeError for in+notIn")
	}
}

func TestRun_KindEnumInNotInMutuallyExclusive(t *testing.T) {
	_, err := Run(sampleSet(), Spec{
		Where: &Where{Kind: &EnumFilter{In: []string{"task"}, NotIn: []string{"status"}}},
	})
	if err == nil {
		t.Fatal("expected TypeError for kind in+notIn")
	}
}

func TestRun_TimingRangeImpliesExistence(t *testing.T) {
	messages := []*msg.Message{
		{Ref: "x", Timing: msg.Timing{CreatedAt: 100, ExpiresAt: i64(500)}},
		{Ref: "y", Timing: msg.Timing{CreatedAt: 100}}, // no expiresAt
	}
	res, err := Run(messages, Spec{
		Where: &Where{Timing: map[string]*RangeFilter{"expiresAt": {Min: i64(0)}}},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Total != 1 || res.Items[0].Ref != "x" {
		t.Errorf("range filter should exclude missing field, got %+v", res.Items)
	}
}

func TestRun_TimingRangeOrMissingRelaxes(t *testing.T) {
	messages := []*msg.Message{
		{Ref: "x", Timing: msg.Timing{CreatedAt: 100, ExpiresAt: i64(500)}},
		{Ref: "y", Timing: msg.Timing{CreatedAt: 100}},
	}
	res, err := Run(messages, Spec{
		Where: &Where{Timing: map[string]*RangeFilter{"expiresAt": {Min: i64(0), OrMissing: true}}},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("orMissing should admit both, got %+v", res.Items)
	}
}

func TestRun_SortWithRefTiebreak(t *testing.T) {
	messages := []*msg.Message{
		{Ref: "z", Level: constants.LevelInfo},
		{Ref: "a", Level: constants.LevelInfo},
		{Ref: "m", Level: constants.LevelInfo},
	}
	res, err := Run(messages, Spec{Sort: []SortField{{Field: "level", Dir: "asc"}}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := []string{res.Items[0].Ref, res.Items[1].Ref, res.Items[2].Ref}
	want := []string{"a", "m", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sort order = %v, want %v (ref tiebreak)", got, want)
			break
		}
	}
}

func TestRun_SortMissingSortsLast(t *testing.T) {
	messages := []*msg.Message{
		{Ref: "has", Timing: msg.Timing{ExpiresAt: i64(100)}},
		{Ref: "missing"},
	}
	res, err := Run(messages, Spec{Sort: []SortField{{Field: "expiresAt", Dir: "desc"}}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Items[len(res.Items)-1].Ref != "missing" {
		t.Errorf("missing value should sort last even descending, got order %v", refsOf(res.Items))
	}
}

func refsOf(messages []*msg.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Ref
	}
	return out
}

func TestRun_Paging(t *testing.T) {
	messages := make([]*msg.Message, 0, 5)
	for i := 0; i < 5; i++ {
		messages = append(messages, &msg.Message{Ref: string(rune('a' + i))})
	}
	res, err := Run(messages, Spec{Page: &Page{Size: 2, Index: 2}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Total != 5 || res.Pages != 3 {
		t.Errorf("Total/Pages = %d/%d, want 5/3", res.Total, res.Pages)
	}
	if len(res.Items) != 2 || res.Items[0].Ref != "c" {
		t.Errorf("page 2 size 2 = %+v, want [c d]", refsOf(res.Items))
	}
}

func TestRun_PageSizeZeroDisablesPaging(t *testing.T) {
	messages := []*msg.Message{{Ref: "a"}, {Ref: "b"}}
	res, err := Run(messages, Spec{Page: &Page{Size: 0}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("size<=0 should disable paging, got %d items", len(res.Items))
	}
}

func TestRun_LocationGlobMatch(t *testing.T) {
	messages := []*msg.Message{
		{Ref: "a", Details: &msg.Details{Location: "kitchen"}},
		{Ref: "b", Details: &msg.Details{Location: "garage"}},
	}
	res, err := Run(messages, Spec{
		Where: &Where{Location: &LocationFilter{Glob: []string{"kit*"}}},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Total != 1 || res.Items[0].Ref != "a" {
		t.Errorf("glob kit* should match only kitchen, got %+v", refsOf(res.Items))
	}
}

func TestRun_AudienceTagsAnyAll(t *testing.T) {
	messages := []*msg.Message{
		{Ref: "a", Audience: &msg.Audience{Tags: []string{"home", "urgent"}}},
		{Ref: "b", Audience: &msg.Audience{Tags: []string{"home"}}},
	}
	res, err := Run(messages, Spec{
		Where: &Where{AudienceTags: &ListFilter{All: []string{"home", "urgent"}}},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Total != 1 || res.Items[0].Ref != "a" {
		t.Errorf("all=[home,urgent] should only match a, got %+v", refsOf(res.Items))
	}
}

func TestRun_RouteToChannel(t *testing.T) {
	messages := []*msg.Message{
		{Ref: "a", Audience: &msg.Audience{Channels: &msg.AudienceChannels{Include: []string{"mobile"}}}},
		{Ref: "b", Audience: &msg.Audience{Channels: &msg.AudienceChannels{Include: []string{"email"}}}},
	}
	channel := "mobile"
	res, err := Run(messages, Spec{Where: &Where{RouteToChannel: &channel}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Total != 1 || res.Items[0].Ref != "a" {
		t.Errorf("routeTo=mobile should only match a, got %+v", refsOf(res.Items))
	}
}
