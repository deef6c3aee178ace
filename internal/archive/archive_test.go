package archive

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func withFixedClock(t *testing.T, ts int64) {
	t.Helper()
	orig := NowFunc
	NowFunc = func() int64 { return ts }
	t.Cleanup(func() { NowFunc = orig })
}

func TestStore_RefPath_DotsMapToSubdirectories(t *testing.T) {
	s := New(t.TempDir(), ".jsonl", time.Hour, discardLogger())
	got := s.refPath("kitchen.smoke_detector.low_battery")
	want := filepath.Join(s.baseDir, "kitchen", "smoke_detector", "low_battery") + ".jsonl"
	if got != want {
		t.Errorf("refPath() = %q, want %q", got, want)
	}
}

func TestStore_CreateThenFlush_WritesJSONL(t *testing.T) {
	withFixedClock(t, 1000)
	dir := t.TempDir()
	s := New(dir, ".jsonl", time.Hour, discardLogger())

	m := &msg.Message{Ref: "a.b", Title: "x", Kind: constants.KindTask}
	s.Create(m)
	s.Flush()

	entries, err := s.Replay("a.b")
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Replay() len = %d, want 1", len(entries))
	}
	if entries[0].Event != EventCreate || entries[0].Snapshot.Title != "x" {
		t.Errorf("entry = %+v, want create snapshot title=x", entries[0])
	}
}

func TestStore_MultipleEventsAppendInOrder(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, ".jsonl", time.Hour, discardLogger())

	m1 := &msg.Message{Ref: "r1", Title: "v1"}
	m2 := &msg.Message{Ref: "r1", Title: "v2"}
	s.Create(m1)
	s.Patch("r1", json.RawMessage(`{"title":"v2"}`), m1, m2)
	s.Delete(m2, constants.ArchiveReasonDeleted)
	s.Flush()

	entries, err := s.Replay("r1")
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Replay() len = %d, want 3", len(entries))
	}
	if entries[0].Event != EventCreate || entries[1].Event != EventPatch || entries[2].Event != EventDelete {
		t.Errorf("event order = [%v %v %v], want [create patch delete]", entries[0].Event, entries[1].Event, entries[2].Event)
	}
	if entries[2].Reason != constants.ArchiveReasonDeleted {
		t.Errorf("delete reason = %q, want deleted", entries[2].Reason)
	}
}

func TestStore_ReplayMissingRefReturnsEmpty(t *testing.T) {
	s := New(t.TempDir(), ".jsonl", time.Hour, discardLogger())
	entries, err := s.Replay("never.seen")
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if entries != nil {
		t.Errorf("Replay() = %+v, want nil for unknown ref", entries)
	}
}

func TestStore_StartStop_FlushesOnStop(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, ".jsonl", time.Hour, discardLogger())
	s.Start()

	s.Create(&msg.Message{Ref: "on.stop", Title: "x"})
	s.Stop()

	entries, err := s.Replay("on.stop")
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Replay() len = %d, want 1 after Stop flush", len(entries))
	}
}

func TestStore_NewIDIsUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Error("NewID() should produce unique ids")
	}
}
