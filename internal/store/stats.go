package store

import (
	"time"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/metrics"
)

// Stats is the full admin.stats.get aggregate (spec.md §6): current
// snapshot counts, forward-looking schedule buckets, completed-work
// buckets, on-disk size accounting, and response metadata.
type Stats struct {
	Current  CurrentStats
	Schedule ScheduleStats
	Done     DoneStats
	IO       IOStats
	Meta     MetaStats
}

// CurrentStats mirrors admin.stats.get's current.* family: a snapshot
// of every entry in the canonical list, including quasi-deleted ones
// pending purge.
type CurrentStats struct {
	Total       int
	ByKind      map[constants.Kind]int
	ByLifecycle map[constants.LifecycleState]int
	ByOrigin    map[string]int
}

// ScheduleStats mirrors admin.stats.get's schedule.* family: entries
// with a dueAt that have not yet reached a quasi-deleted state,
// bucketed relative to now in the store's configured locale.
type ScheduleStats struct {
	Total     int
	Overdue   int
	Today     int
	Tomorrow  int
	Next7Days int
	ThisWeek  int
	ThisMonth int
	ByKind    map[constants.Kind]int
}

// DoneStats mirrors admin.stats.get's done.* family: entries that
// reached the closed state, bucketed by when they closed.
type DoneStats struct {
	Today        int
	ThisWeek     int
	ThisMonth    int
	LastClosedAt *int64
}

// IOStats mirrors admin.stats.get's io.* family: on-disk footprint of
// the snapshot file and the archive log.
type IOStats struct {
	StorageBytes int64
	ArchiveBytes int64
}

// MetaStats mirrors admin.stats.get's meta.* family.
type MetaStats struct {
	GeneratedAt int64
	TZ          string
}

// StatsOptions controls which optional, potentially expensive
// aggregates Stats computes, per admin.stats.get's
// `include?: {archiveSize?, archiveSizeMaxAgeMs?}` request field:
// walking the archive directory tree is skipped unless ArchiveSize is
// requested, and ArchiveSizeMaxAgeMs limits the byte count to recently
// modified files (the walk itself still visits every archive file).
type StatsOptions struct {
	ArchiveSize         bool
	ArchiveSizeMaxAgeMs int64
}

// Stats computes a point-in-time snapshot aggregate across all five
// admin.stats.get families.
func (s *Store) Stats(opts StatsOptions) Stats {
	messages := s.GetMessages()
	now := NowFunc()
	tz := s.cfg.Locale.TZ
	if tz == nil {
		tz = time.UTC
	}
	nowLocal := time.UnixMilli(now).In(tz)

	current := CurrentStats{
		ByKind:      make(map[constants.Kind]int),
		ByLifecycle: make(map[constants.LifecycleState]int),
		ByOrigin:    make(map[string]int),
	}
	schedule := ScheduleStats{ByKind: make(map[constants.Kind]int)}
	done := DoneStats{}

	counts := make(map[[2]string]int)
	todayStart, todayEnd := dayBounds(nowLocal)
	tomorrowStart, tomorrowEnd := dayBounds(nowLocal.AddDate(0, 0, 1))
	weekStart, weekEnd := weekBounds(nowLocal)
	monthStart, monthEnd := monthBounds(nowLocal)
	next7End := nowLocal.AddDate(0, 0, 7)

	for _, m := range messages {
		current.Total++
		current.ByKind[m.Kind]++
		current.ByLifecycle[m.Lifecycle.State]++
		if m.Origin.System != "" {
			current.ByOrigin[m.Origin.System]++
		}
		counts[[2]string{string(m.Kind), string(m.Lifecycle.State)}]++

		if !constants.QuasiDeleted(m.Lifecycle.State) && m.Timing.DueAt != nil {
			due := time.UnixMilli(*m.Timing.DueAt).In(tz)
			schedule.Total++
			schedule.ByKind[m.Kind]++
			if due.Before(nowLocal) {
				schedule.Overdue++
			}
			if inRange(due, todayStart, todayEnd) {
				schedule.Today++
			}
			if inRange(due, tomorrowStart, tomorrowEnd) {
				schedule.Tomorrow++
			}
			if !due.Before(nowLocal) && due.Before(next7End) {
				schedule.Next7Days++
			}
			if inRange(due, weekStart, weekEnd) {
				schedule.ThisWeek++
			}
			if inRange(due, monthStart, monthEnd) {
				schedule.ThisMonth++
			}
		}

		if m.Lifecycle.State == constants.StateClosed {
			closedAt := time.UnixMilli(m.Lifecycle.StateChangedAt).In(tz)
			if inRange(closedAt, todayStart, todayEnd) {
				done.Today++
			}
			if inRange(closedAt, weekStart, weekEnd) {
				done.ThisWeek++
			}
			if inRange(closedAt, monthStart, monthEnd) {
				done.ThisMonth++
			}
			if done.LastClosedAt == nil || m.Lifecycle.StateChangedAt > *done.LastClosedAt {
				done.LastClosedAt = ptrInt64(m.Lifecycle.StateChangedAt)
			}
		}
	}
	for _, kind := range constants.Kinds() {
		for _, state := range constants.LifecycleStates() {
			metrics.MessagesTotal.WithLabelValues(string(kind), string(state)).Set(float64(counts[[2]string{string(kind), string(state)}]))
		}
	}

	io := IOStats{StorageBytes: s.storage.Size()}
	if opts.ArchiveSize {
		io.ArchiveBytes = s.archive.Size(opts.ArchiveSizeMaxAgeMs, now)
	}

	return Stats{
		Current:  current,
		Schedule: schedule,
		Done:     done,
		IO:       io,
		Meta: MetaStats{
			GeneratedAt: now,
			TZ:          tz.String(),
		},
	}
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// dayBounds returns [00:00, next 00:00) for t's calendar day.
func dayBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

// weekBounds returns [Monday 00:00, next Monday 00:00) for the week
// containing t.
func weekBounds(t time.Time) (time.Time, time.Time) {
	start, _ := dayBounds(t)
	offset := (int(start.Weekday()) + 6) % 7 // days since Monday
	start = start.AddDate(0, 0, -offset)
	return start, start.AddDate(0, 0, 7)
}

// monthBounds returns [first-of-month 00:00, first-of-next-month 00:00)
// for the month containing t.
func monthBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 1, 0)
}

func ptrInt64(v int64) *int64 { return &v }
