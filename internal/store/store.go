// Package store owns the canonical message list and coordinates every
// other core component: it validates mutations via internal/factory,
// persists via internal/storage, appends to internal/archive,
// dispatches via internal/notify, and runs the prune/close-sweep/
// hard-delete/due-poll loops.
//
// Serialization model: rather than an actor-style command channel, all
// mutations are serialized behind a single sync.Mutex, the same
// discipline scheduler.Scheduler and events.Bus use elsewhere in this
// codebase. Persistence and archive writes are enqueued to their own
// buffered single-consumer writers and never awaited inside the
// critical section, so mutation latency never couples to disk
// latency.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stacknerd/msghub/internal/archive"
	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/factory"
	"github.com/stacknerd/msghub/internal/metrics"
	"github.com/stacknerd/msghub/internal/msg"
	"github.com/stacknerd/msghub/internal/notify"
	"github.com/stacknerd/msghub/internal/query"
	"github.com/stacknerd/msghub/internal/renderer"
	"github.com/stacknerd/msghub/internal/storage"
)

// Config holds the throttle intervals and retention window the
// lifecycle scheduler loops use.
type Config struct {
	PruneInterval          time.Duration
	CloseSweepInterval     time.Duration
	HardDeleteInterval     time.Duration
	HardDeleteAfter        time.Duration
	NotifierInterval       time.Duration // 0 disables the due-poll loop
	Locale                 renderer.Locale
}

// NowFunc is the injectable clock shared with factory.NowFunc-style
// seams throughout the core.
var NowFunc = func() int64 { return time.Now().UnixMilli() }

// Store is the single source of truth for the canonical message list.
type Store struct {
	mu       sync.Mutex
	byRef    map[string][]*msg.Message // all entries sharing a ref, including quasi-deleted ones pending purge
	order    []string                  // refs in first-seen order, for stable full-list iteration

	storage *storage.Store
	archive *archive.Store
	notify  *notify.Bus
	log     *slog.Logger
	cfg     Config

	lastPrune      int64
	lastCloseSweep int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Store. Call Load to seed it from persisted state
// and Start to launch the lifecycle loops.
func New(st *storage.Store, ar *archive.Store, nb *notify.Bus, log *slog.Logger, cfg Config) *Store {
	if cfg.Locale.TZ == nil {
		cfg.Locale = renderer.DefaultLocale()
	}
	return &Store{
		byRef:   make(map[string][]*msg.Message),
		storage: st,
		archive: ar,
		notify:  nb,
		log:     log,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Load seeds the canonical list from a persisted snapshot.
func (s *Store) Load(snapshot []*msg.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range snapshot {
		s.insertLocked(m)
	}
}

// Start launches the four lifecycle loops. NotifierInterval=0 disables
// the due-poll loop only; prune/close-sweep/hard-delete always run.
func (s *Store) Start() {
	loops := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"prune", s.cfg.PruneInterval, s.runPruneTick},
		{"close-sweep", s.cfg.CloseSweepInterval, s.runCloseSweepTick},
		{"hard-delete", s.cfg.HardDeleteInterval, s.runHardDeleteTick},
	}
	if s.cfg.NotifierInterval > 0 {
		loops = append(loops, struct {
			name     string
			interval time.Duration
			fn       func()
		}{"due-poll", s.cfg.NotifierInterval, s.runDuePollTick})
	}

	for _, l := range loops {
		s.wg.Add(1)
		go s.runLoop(l.name, l.interval, l.fn)
	}
}

// Stop halts every lifecycle loop and waits for in-flight ticks to
// finish.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) runLoop(name string, interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// --- mutation API ---

// AddMessage validates and inserts a new message, handling the
// recreation/recovery classification over any quasi-deleted entries
// sharing the same ref. Returns the classification event and whether
// the add succeeded.
func (s *Store) AddMessage(input *msg.Message) (constants.NotifyEvent, bool) {
	if input == nil || input.Ref == "" {
		return "", false
	}

	s.mu.Lock()
	expired := s.pruneLocked(throttled)
	closed := s.closeSweepLocked(throttled)

	prior := s.byRef[input.Ref]
	var recreationOf []*msg.Message
	if len(prior) > 0 {
		if !allQuasiDeleted(prior) {
			s.mu.Unlock()
			s.log.Warn("addMessage rejected: conflict", "ref", input.Ref)
			return "", false
		}
		recreationOf = prior
	}

	normalized := factory.CreateMessage(input)
	if normalized == nil {
		s.mu.Unlock()
		s.log.Warn("addMessage rejected: validation failed", "ref", input.Ref)
		return "", false
	}

	now := NowFunc()
	event := constants.EventAdded
	if len(recreationOf) > 0 {
		event = classifyRecreation(recreationOf, now)
		for _, old := range recreationOf {
			s.removeFromIndexLocked(old)
			s.archive.Delete(old, constants.ArchiveReasonPurgeOnRecreate)
		}
	}

	s.insertLocked(normalized)
	s.persistLocked()
	s.mu.Unlock()

	s.dispatchSweepResults(expired, closed)

	s.archive.Create(normalized)
	s.notify.Dispatch(event, []*msg.Message{normalized})

	if event != constants.EventRecovered && normalized.Lifecycle.State == constants.StateOpen && normalized.Timing.NotifyAt == nil {
		s.notify.Dispatch(constants.EventDue, []*msg.Message{normalized})
	}

	return event, true
}

// UpdateMessage applies patch to the message identified by ref.
// Returns the updated view and whether the update succeeded.
func (s *Store) UpdateMessage(ref string, patch *factory.Patch, stealth bool) (*msg.Message, bool) {
	s.mu.Lock()
	expired := s.pruneLocked(throttled)
	closed := s.closeSweepLocked(throttled)

	existing := s.activeLocked(ref)
	if existing == nil {
		s.mu.Unlock()
		s.dispatchSweepResults(expired, closed)
		return nil, false
	}

	updated := factory.ApplyPatch(existing, patch, stealth)
	if updated == nil {
		s.mu.Unlock()
		s.log.Warn("updateMessage rejected: validation failed", "ref", ref)
		s.dispatchSweepResults(expired, closed)
		return nil, false
	}

	s.replaceLocked(existing, updated)
	s.persistLocked()
	s.mu.Unlock()

	s.dispatchSweepResults(expired, closed)

	s.archive.Patch(ref, nil, existing, updated)

	dispatchUpdated := !stealth && updated.Timing.UpdatedAt != nil &&
		!constants.QuasiDeleted(updated.Lifecycle.State)
	if dispatchUpdated {
		s.notify.Dispatch(constants.EventUpdated, []*msg.Message{updated})
	}

	dispatchDue := !stealth && updated.Timing.NotifyAt == nil &&
		updated.Lifecycle.State == constants.StateOpen
	if dispatchDue {
		s.notify.Dispatch(constants.EventDue, []*msg.Message{updated})
	}

	return updated.Clone(), true
}

// AddOrUpdateMessage inserts ref if absent, or patches it in place if
// an active (non-quasi-deleted) entry already exists.
func (s *Store) AddOrUpdateMessage(m *msg.Message) (constants.NotifyEvent, bool) {
	s.mu.Lock()
	existing := s.activeLocked(m.Ref)
	s.mu.Unlock()

	if existing == nil {
		return s.AddMessage(m)
	}

	patch := messageToPatch(m)
	_, ok := s.UpdateMessage(m.Ref, patch, false)
	if !ok {
		return "", false
	}
	return constants.EventUpdated, true
}

// RemoveMessage soft-deletes ref: state=deleted, notifyAt cleared.
// Actual purge happens later via the hard-delete loop.
func (s *Store) RemoveMessage(ref string) bool {
	deleted := constants.StateDeleted
	var nilNotify *int64
	updated, ok := s.UpdateMessage(ref, &factory.Patch{
		State:  &deleted,
		Timing: &factory.TimingPatch{NotifyAt: &nilNotify},
	}, false)
	if !ok {
		return false
	}
	s.notify.Dispatch(constants.EventDeleted, []*msg.Message{updated})
	return true
}

// GetMessageByRef returns an independent rendered copy of the active
// (non-quasi-deleted) entry for ref, or nil if none exists.
func (s *Store) GetMessageByRef(ref string) *msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.activeLocked(ref)
	if m == nil {
		return nil
	}
	return s.render(m.Clone())
}

// render fills m's view-only Display and actionsInactive blocks in
// place and returns it, mirroring spec.md §3's "view-only, always
// recomputed on render" fields. m must already be an independent copy.
func (s *Store) render(m *msg.Message) *msg.Message {
	if m == nil {
		return nil
	}
	m.Display = renderer.Render(m, s.cfg.Locale, NowFunc())
	m.ActionsInactive = inactiveActions(m)
	return m
}

// inactiveActions hides control-plane actions that would be a no-op in
// m's current lifecycle state (spec.md §3: "hide snooze when already
// snoozed").
func inactiveActions(m *msg.Message) []constants.ActionType {
	if len(m.Actions) == 0 {
		return nil
	}
	var out []constants.ActionType
	for _, a := range m.Actions {
		if actionMootFor(a.Type, m.Lifecycle.State) {
			out = append(out, a.Type)
		}
	}
	return out
}

func actionMootFor(action constants.ActionType, state constants.LifecycleState) bool {
	switch action {
	case constants.ActionAck:
		return state == constants.StateAcked
	case constants.ActionClose:
		return state == constants.StateClosed
	case constants.ActionSnooze:
		return state == constants.StateSnoozed
	case constants.ActionOpen:
		return state == constants.StateOpen
	case constants.ActionDelete:
		return state == constants.StateDeleted
	}
	return false
}

// GetMessages returns independent copies of every entry in the
// canonical list, including quasi-deleted ones (callers that want the
// default-visible set should use QueryMessages with an empty Where).
func (s *Store) GetMessages() []*msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*msg.Message, 0, len(s.order))
	for _, ref := range s.order {
		for _, m := range s.byRef[ref] {
			out = append(out, m.Clone())
		}
	}
	return out
}

// QueryMessages runs spec over an independent snapshot of the
// canonical list and renders every returned item (spec.md §4.9:
// "Return {total, pages, items} with items rendered").
func (s *Store) QueryMessages(spec query.Spec) (*query.Result, error) {
	result, err := query.Run(s.GetMessages(), spec)
	if err != nil {
		return nil, err
	}
	for i, m := range result.Items {
		result.Items[i] = s.render(m)
	}
	return result, nil
}

// --- lifecycle loops ---

type throttleMode int

const (
	throttled throttleMode = iota
	forced
)

func (s *Store) runPruneTick() {
	s.mu.Lock()
	expired := s.pruneLocked(forced)
	s.persistLocked()
	s.mu.Unlock()
	metrics.SchedulerTicksTotal.WithLabelValues("prune").Inc()
	metrics.SchedulerBatchSize.WithLabelValues("prune").Set(float64(len(expired)))
	if len(expired) > 0 {
		s.notify.Dispatch(constants.EventExpired, expired)
	}
}

func (s *Store) runCloseSweepTick() {
	s.mu.Lock()
	closed := s.closeSweepLocked(forced)
	if len(closed) > 0 {
		s.persistLocked()
	}
	s.mu.Unlock()

	metrics.SchedulerTicksTotal.WithLabelValues("close-sweep").Inc()
	metrics.SchedulerBatchSize.WithLabelValues("close-sweep").Set(float64(len(closed)))

	for _, m := range closed {
		s.archive.Patch(m.Ref, nil, nil, m)
	}
	s.dispatchSweepResults(nil, closed)
}

// dispatchSweepResults fans out the side-effect events produced by an
// inline or ticked prune/close-sweep pass. Must be called outside the
// store's critical section.
func (s *Store) dispatchSweepResults(expired, closed []*msg.Message) {
	if len(expired) > 0 {
		s.notify.Dispatch(constants.EventExpired, expired)
	}
	if len(closed) > 0 {
		s.notify.Dispatch(constants.EventDeleted, closed)
	}
}

// runHardDeleteTick purges quasi-deleted entries older than
// HardDeleteAfter. It is only invoked on the ticker's own cadence
// (HardDeleteInterval), so it does not need its own throttle gate the
// way the inline prune/close-sweep calls do.
func (s *Store) runHardDeleteTick() {
	s.mu.Lock()
	retentionMs := s.cfg.HardDeleteAfter.Milliseconds()
	now := NowFunc()
	var purged []*msg.Message
	for _, ref := range s.order {
		kept := s.byRef[ref][:0]
		for _, m := range s.byRef[ref] {
			if constants.QuasiDeleted(m.Lifecycle.State) && m.Lifecycle.StateChangedAt+retentionMs <= now {
				purged = append(purged, m)
				continue
			}
			kept = append(kept, m)
		}
		s.byRef[ref] = kept
	}
	s.compactOrderLocked()
	s.persistLocked()
	s.mu.Unlock()

	metrics.SchedulerTicksTotal.WithLabelValues("hard-delete").Inc()
	metrics.SchedulerBatchSize.WithLabelValues("hard-delete").Set(float64(len(purged)))

	for _, m := range purged {
		reason := constants.ArchiveReasonPurge
		s.archive.Delete(m, reason)
	}
}

func (s *Store) runDuePollTick() {
	now := NowFunc()
	var due []*msg.Message

	s.mu.Lock()
	for _, ref := range s.order {
		for _, m := range s.byRef[ref] {
			if m.Lifecycle.State != constants.StateOpen {
				continue
			}
			if m.Timing.ExpiresAt != nil && *m.Timing.ExpiresAt <= now {
				continue
			}
			if m.Timing.NotifyAt == nil || *m.Timing.NotifyAt > now {
				continue
			}
			due = append(due, m)
			if m.Timing.RemindEvery != nil {
				next := now + *m.Timing.RemindEvery
				m.Timing.NotifyAt = &next
			} else {
				m.Timing.NotifyAt = nil
			}
		}
	}
	s.persistLocked()
	s.mu.Unlock()

	metrics.SchedulerTicksTotal.WithLabelValues("due-poll").Inc()
	metrics.SchedulerBatchSize.WithLabelValues("due-poll").Set(float64(len(due)))

	if len(due) > 0 {
		s.notify.Dispatch(constants.EventDue, due)
	}
}

// pruneLocked soft-expires messages with expiresAt<now, clearing
// notifyAt. When mode is throttled, it only runs if PruneInterval has
// elapsed since the last run (used from the addMessage/updateMessage
// call sites); forced always runs (used by the
// dedicated prune tick).
func (s *Store) pruneLocked(mode throttleMode) []*msg.Message {
	now := NowFunc()
	if mode == throttled {
		if now-s.lastPrune < s.cfg.PruneInterval.Milliseconds() {
			return nil
		}
	}
	s.lastPrune = now

	var expired []*msg.Message
	for _, ref := range s.order {
		for _, m := range s.byRef[ref] {
			if m.Lifecycle.State == constants.StateExpired || m.Lifecycle.State == constants.StateDeleted {
				continue
			}
			if m.Timing.ExpiresAt != nil && *m.Timing.ExpiresAt < now {
				m.Lifecycle.State = constants.StateExpired
				m.Lifecycle.StateChangedAt = now
				m.Timing.NotifyAt = nil
				expired = append(expired, m)
			}
		}
	}
	return expired
}

// closeSweepLocked soft-deletes messages sitting in the closed state,
// the same "age out a terminal state" idiom pruneLocked applies to
// expiresAt. Closed entries do not carry a configurable grace period
// here, so any closed entry is eligible on each pass.
func (s *Store) closeSweepLocked(mode throttleMode) []*msg.Message {
	now := NowFunc()
	if mode == throttled {
		if now-s.lastCloseSweep < s.cfg.CloseSweepInterval.Milliseconds() {
			return nil
		}
	}
	s.lastCloseSweep = now

	var deleted []*msg.Message
	for _, ref := range s.order {
		for _, m := range s.byRef[ref] {
			if m.Lifecycle.State != constants.StateClosed {
				continue
			}
			m.Lifecycle.State = constants.StateDeleted
			m.Lifecycle.StateChangedAt = now
			m.Timing.NotifyAt = nil
			deleted = append(deleted, m)
		}
	}
	return deleted
}

func (s *Store) persistLocked() {
	snapshot := make([]*msg.Message, 0, len(s.order))
	for _, ref := range s.order {
		snapshot = append(snapshot, s.byRef[ref]...)
	}
	s.storage.Save(snapshot)
}

func (s *Store) insertLocked(m *msg.Message) {
	if _, exists := s.byRef[m.Ref]; !exists {
		s.order = append(s.order, m.Ref)
	}
	s.byRef[m.Ref] = append(s.byRef[m.Ref], m)
}

func (s *Store) removeFromIndexLocked(m *msg.Message) {
	list := s.byRef[m.Ref]
	for i, x := range list {
		if x == m {
			s.byRef[m.Ref] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.byRef[m.Ref]) == 0 {
		delete(s.byRef, m.Ref)
	}
}

func (s *Store) compactOrderLocked() {
	out := s.order[:0]
	for _, ref := range s.order {
		if len(s.byRef[ref]) > 0 {
			out = append(out, ref)
		} else {
			delete(s.byRef, ref)
		}
	}
	s.order = out
}

func (s *Store) replaceLocked(old, updated *msg.Message) {
	list := s.byRef[old.Ref]
	for i, x := range list {
		if x == old {
			list[i] = updated
			return
		}
	}
}

// activeLocked returns the single non-quasi-deleted entry for ref, if
// any. The invariant that ref is unique across the non-quasi-deleted
// set means there is at most one.
func (s *Store) activeLocked(ref string) *msg.Message {
	for _, m := range s.byRef[ref] {
		if !constants.QuasiDeleted(m.Lifecycle.State) {
			return m
		}
	}
	return nil
}

// messageToPatch converts a full message into a block-replace Patch
// for AddOrUpdateMessage's upsert path.
func messageToPatch(m *msg.Message) *factory.Patch {
	title := m.Title
	text := m.Text
	details := m.Details
	audience := m.Audience
	progress := m.Progress
	origin := &m.Origin
	return &factory.Patch{
		Title:    &title,
		Text:     &text,
		Details:  &details,
		Audience: &audience,
		Progress: &progress,
		Origin:   &origin,
	}
}


