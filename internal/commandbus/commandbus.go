// Package commandbus implements the admin command bus documented in
// spec.md §6: a transport-agnostic JSON envelope request/response layer
// over internal/store's mutation and query API. Grounded on
// web/tasks.go's handler style (internal/web in the teacher renders
// task lists for an HTTP surface; here the equivalent handlers return
// envelopes instead of HTML, since the admin UI panel itself is out of
// scope per spec.md §1) and on config.Config.Validate's "return the
// first problem found" error style for request validation.
package commandbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/factory"
	"github.com/stacknerd/msghub/internal/ingest"
	"github.com/stacknerd/msghub/internal/metrics"
	"github.com/stacknerd/msghub/internal/store"
)

// Error codes (spec.md §7).
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeNotReady   = "NOT_READY"
	CodeInternal   = "INTERNAL"
	CodeConflict   = "CONFLICT"
)

// Error is the {code, message} shape carried in a failed Envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the {ok, data} / {ok, error} response shape every
// command returns.
type Envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

func ok(data any) Envelope {
	return Envelope{OK: true, Data: data}
}

func fail(code, format string, args ...any) Envelope {
	return Envelope{OK: false, Error: &Error{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// HandlerFunc handles one command's raw JSON payload and returns its
// response envelope.
type HandlerFunc func(payload json.RawMessage) Envelope

// Bus dispatches named commands to their handlers. A Bus is not ready
// (returns NOT_READY for every command) until Attach is called with a
// live *store.Store, mirroring spec.md §7's "command arrives before
// the store or admin façade has initialized" NotReady case.
type Bus struct {
	log    *slog.Logger
	store  *store.Store
	ingest *ingest.Host
}

// New returns a Bus not yet attached to a store.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Attach wires the Bus to a live store, after which commands are
// served normally.
func (b *Bus) Attach(s *store.Store) {
	b.store = s
}

// AttachIngest wires the Bus to a producer host, so control-plane
// actions (ack/close/delete/snooze) are routed to producers
// implementing ingest.ActionHandler. Optional: a Bus with no attached
// host simply skips this routing.
func (b *Bus) AttachIngest(h *ingest.Host) {
	b.ingest = h
}

func (b *Bus) routeAction(ref string, state constants.LifecycleState, stateBy string) {
	if b.ingest == nil {
		return
	}
	b.ingest.RouteAction(ingest.Action{Ref: ref, State: state, StateBy: stateBy})
}

// Dispatch routes a command by name to its handler, translating
// unknown commands and panics-free validation errors into the
// documented error codes.
func (b *Bus) Dispatch(command string, payload json.RawMessage) (env Envelope) {
	defer func() {
		outcome := "ok"
		if !env.OK {
			outcome = "error"
		}
		metrics.CommandBusRequestsTotal.WithLabelValues(command, outcome).Inc()
	}()

	if b.store == nil {
		return fail(CodeNotReady, "store not yet initialized")
	}

	handler, known := b.handlers()[command]
	if !known {
		return fail(CodeBadRequest, "unknown command %q", command)
	}
	return handler(payload)
}

func (b *Bus) handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"admin.constants.get":   b.handleConstantsGet,
		"admin.stats.get":       b.handleStatsGet,
		"admin.messages.query":  b.handleMessagesQuery,
		"admin.messages.delete": b.handleMessagesDelete,
		"message.ack":           b.actionHandler(constants.StateAcked),
		"message.close":         b.actionHandler(constants.StateClosed),
		"message.delete":        b.handleMessageDeleteAction,
		"message.snooze":        b.actionHandler(constants.StateSnoozed),
	}
}

func (b *Bus) handleConstantsGet(_ json.RawMessage) Envelope {
	return ok(constants.Get())
}

type statsGetRequest struct {
	Include *statsIncludeDTO `json:"include,omitempty"`
}

type statsIncludeDTO struct {
	ArchiveSize         bool  `json:"archiveSize,omitempty"`
	ArchiveSizeMaxAgeMs int64 `json:"archiveSizeMaxAgeMs,omitempty"`
}

func (b *Bus) handleStatsGet(payload json.RawMessage) Envelope {
	var req statsGetRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fail(CodeBadRequest, "malformed request: %v", err)
		}
	}
	opts := store.StatsOptions{}
	if req.Include != nil {
		opts.ArchiveSize = req.Include.ArchiveSize
		opts.ArchiveSizeMaxAgeMs = req.Include.ArchiveSizeMaxAgeMs
	}
	return ok(newStats(b.store.Stats(opts)))
}

type messagesDeleteRequest struct {
	Refs []string `json:"refs"`
}

type messagesDeleteResult struct {
	Removed []string `json:"removed"`
	Failed  []string `json:"failed"`
}

func (b *Bus) handleMessagesDelete(payload json.RawMessage) Envelope {
	var req messagesDeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(CodeBadRequest, "malformed request: %v", err)
	}
	res := messagesDeleteResult{}
	for _, ref := range req.Refs {
		if b.store.RemoveMessage(ref) {
			res.Removed = append(res.Removed, ref)
		} else {
			res.Failed = append(res.Failed, ref)
		}
	}
	return ok(res)
}

type actionRequest struct {
	Ref     string `json:"ref"`
	StateBy string `json:"stateBy,omitempty"`
}

// actionHandler builds a control-plane action handler mapping to
// updateMessage(ref, {state: target}) per spec.md §6 "Control-plane
// actions on messages".
func (b *Bus) actionHandler(target constants.LifecycleState) HandlerFunc {
	return func(payload json.RawMessage) Envelope {
		var req actionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fail(CodeBadRequest, "malformed request: %v", err)
		}
		if req.Ref == "" {
			return fail(CodeBadRequest, "ref is required")
		}
		patch := &factory.Patch{State: &target}
		if req.StateBy != "" {
			patch.StateBy = &req.StateBy
		}
		updated, okApplied := b.store.UpdateMessage(req.Ref, patch, false)
		if !okApplied {
			return fail(CodeNotFound, "message %q not found or rejected", req.Ref)
		}
		b.routeAction(req.Ref, target, req.StateBy)
		return ok(updated)
	}
}

func (b *Bus) handleMessageDeleteAction(payload json.RawMessage) Envelope {
	var req actionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail(CodeBadRequest, "malformed request: %v", err)
	}
	if req.Ref == "" {
		return fail(CodeBadRequest, "ref is required")
	}
	if !b.store.RemoveMessage(req.Ref) {
		return fail(CodeNotFound, "message %q not found", req.Ref)
	}
	b.routeAction(req.Ref, constants.StateDeleted, req.StateBy)
	return ok(struct {
		Ref string `json:"ref"`
	}{Ref: req.Ref})
}

// Stats is the wire-facing projection of store.Stats, JSON-tagged for
// the admin.stats.get response's full documented shape (spec.md §6):
// current.*, schedule.*, done.*, io.*, and meta.*.
type Stats struct {
	Current  CurrentStats  `json:"current"`
	Schedule ScheduleStats `json:"schedule"`
	Done     DoneStats     `json:"done"`
	IO       IOStats       `json:"io"`
	Meta     MetaStats     `json:"meta"`
}

type CurrentStats struct {
	Total       int                               `json:"total"`
	ByKind      map[constants.Kind]int            `json:"byKind"`
	ByLifecycle map[constants.LifecycleState]int  `json:"byLifecycle"`
	ByOrigin    map[string]int                    `json:"byOriginSystem"`
}

type ScheduleStats struct {
	Total     int                    `json:"total"`
	Overdue   int                    `json:"overdue"`
	Today     int                    `json:"today"`
	Tomorrow  int                    `json:"tomorrow"`
	Next7Days int                    `json:"next7Days"`
	ThisWeek  int                    `json:"thisWeek"`
	ThisMonth int                    `json:"thisMonth"`
	ByKind    map[constants.Kind]int `json:"byKind"`
}

type DoneStats struct {
	Today        int    `json:"today"`
	ThisWeek     int    `json:"thisWeek"`
	ThisMonth    int    `json:"thisMonth"`
	LastClosedAt *int64 `json:"lastClosedAt,omitempty"`
}

type IOStats struct {
	Storage int64 `json:"storage"`
	Archive int64 `json:"archive"`
}

type MetaStats struct {
	GeneratedAt int64  `json:"generatedAt"`
	TZ          string `json:"tz"`
}

func newStats(s store.Stats) Stats {
	return Stats{
		Current: CurrentStats{
			Total:       s.Current.Total,
			ByKind:      s.Current.ByKind,
			ByLifecycle: s.Current.ByLifecycle,
			ByOrigin:    s.Current.ByOrigin,
		},
		Schedule: ScheduleStats{
			Total:     s.Schedule.Total,
			Overdue:   s.Schedule.Overdue,
			Today:     s.Schedule.Today,
			Tomorrow:  s.Schedule.Tomorrow,
			Next7Days: s.Schedule.Next7Days,
			ThisWeek:  s.Schedule.ThisWeek,
			ThisMonth: s.Schedule.ThisMonth,
			ByKind:    s.Schedule.ByKind,
		},
		Done: DoneStats{
			Today:        s.Done.Today,
			ThisWeek:     s.Done.ThisWeek,
			ThisMonth:    s.Done.ThisMonth,
			LastClosedAt: s.Done.LastClosedAt,
		},
		IO: IOStats{
			Storage: s.IO.StorageBytes,
			Archive: s.IO.ArchiveBytes,
		},
		Meta: MetaStats{
			GeneratedAt: s.Meta.GeneratedAt,
			TZ:          s.Meta.TZ,
		},
	}
}
