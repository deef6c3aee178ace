// Package storage persists the canonical message list as a single
// Map-aware JSON blob, with throttled/debounced writes so a burst of
// mutations costs one disk write rather than one per mutation.
// Grounded on scheduler.Scheduler's timer-and-mutex discipline
// (internal/scheduler/scheduler.go): a single pending timer per
// resource that new work does not reset (the latest snapshot replaces
// the pending one), and an explicit FlushPending that writes any
// pending snapshot.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stacknerd/msghub/internal/metrics"
	"github.com/stacknerd/msghub/internal/msg"
)

// Store persists a []*msg.Message snapshot to a single file.
// Failures are logged but never surfaced to the mutation path; the
// in-memory state is the source of truth until the next successful
// write (spec §4.2).
type Store struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending []*msg.Message
	dirty   bool
	closed  bool
}

// New returns a Store that writes to filepath.Join(baseDir, fileName),
// coalescing writes requested within interval into one.
func New(baseDir, fileName string, interval time.Duration, log *slog.Logger) *Store {
	return &Store{
		path:     filepath.Join(baseDir, fileName),
		interval: interval,
		log:      log,
	}
}

// Save schedules a write of snapshot. If a write is already pending
// within the throttle window, the new snapshot replaces the pending
// one and the existing timer is left running (coalescing, not
// resetting, keeps writes bounded under sustained mutation pressure).
func (s *Store) Save(snapshot []*msg.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = snapshot
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.flush)
	}
}

// flush is the timer callback; it performs the actual write and clears
// the pending timer so the next Save schedules a fresh one.
func (s *Store) flush() {
	s.mu.Lock()
	snapshot := s.pending
	dirty := s.dirty
	s.dirty = false
	s.timer = nil
	s.mu.Unlock()

	if !dirty {
		return
	}
	if err := s.write(snapshot); err != nil {
		metrics.StorageWritesTotal.WithLabelValues("error").Inc()
		s.log.Error("storage write failed", "path", s.path, "error", err)
		return
	}
	metrics.StorageWritesTotal.WithLabelValues("ok").Inc()
}

// FlushPending forces a synchronous best-effort write of whatever
// snapshot is currently pending, used on shutdown. It is a no-op if
// nothing is pending.
func (s *Store) FlushPending() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	snapshot := s.pending
	dirty := s.dirty
	s.dirty = false
	s.closed = true
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	if err := s.write(snapshot); err != nil {
		metrics.StorageWritesTotal.WithLabelValues("error").Inc()
		s.log.Error("storage flushPending write failed", "path", s.path, "error", err)
		return err
	}
	metrics.StorageWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (s *Store) write(snapshot []*msg.Message) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Size returns the byte size of the on-disk snapshot file, or 0 if it
// has not been written yet. Used by admin.stats.get's io.storage
// aggregate.
func (s *Store) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ReadJSON returns the last persisted snapshot, or def if the file
// does not exist yet (first run).
func (s *Store) ReadJSON(def []*msg.Message) ([]*msg.Message, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	var out []*msg.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return out, nil
}
