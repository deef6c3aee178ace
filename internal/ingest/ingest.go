// Package ingest hosts producer plugins: the adapters that turn
// external events (home-automation state changes, object changes,
// timers) into Store mutations. Grounded on
// homeassistant.StateWatcher's filter-then-handler routing
// (internal/homeassistant/statewatch.go) for the stateChange/
// objectChange dispatch, and on scheduler.Scheduler's owner-keyed
// timer map (internal/scheduler/scheduler.go) for the scoped-resource
// cancel-on-stop discipline.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/notify"
)

// Producer is the contract a producer plugin implements. Start
// receives the Resources facade scoped to this plugin instance; any
// timer or subscription registered through it is cancelled
// automatically when Stop returns.
type Producer interface {
	Start(ctx context.Context, res *Resources) error
	Stop(ctx context.Context, reason string)
}

// StateChangeHandler is an optional interface a Producer implements to
// receive routed stateChange events for ids it subscribed to via
// Resources.WatchState.
type StateChangeHandler interface {
	OnStateChange(id, oldState, newState string)
}

// ObjectChangeHandler is an optional interface a Producer implements to
// receive routed objectChange events for ids it subscribed to via
// Resources.WatchObject.
type ObjectChangeHandler interface {
	OnObjectChange(id string, obj any)
}

// TimerHandler is an optional interface a Producer implements to
// receive named-timer fire callbacks routed through Resources'
// SetTimeout/SetInterval instead of a raw func literal. Producers that
// prefer closures over this interface simply pass their own callback
// to SetTimeout/SetInterval.
type TimerHandler interface {
	OnTimer(name string)
}

// NotificationHandler is an optional interface a Producer implements
// to observe every lifecycle dispatch the notify bus fans out (added,
// recreated, recovered, deleted, due, ...), unfiltered by audience or
// channel: unlike stateChange/objectChange there is no per-id
// subscription for notifications, since a producer wanting this hook
// is presumed to want the whole stream.
type NotificationHandler interface {
	OnNotifications(d notify.Dispatch)
}

// Action describes a control-plane action applied to a message
// (spec.md §6 "Control-plane actions on messages"): ack, close,
// delete, or snooze.
type Action struct {
	Ref     string
	State   constants.LifecycleState
	StateBy string
}

// ActionHandler is an optional interface a Producer implements to
// observe control-plane actions taken on messages, e.g. to react when
// a message it manages is acked or closed out from under it.
type ActionHandler interface {
	OnAction(a Action)
}

// Meta describes a producer instance at Start time: its plugin
// identifier, resolved options, and the instance id used to namespace
// its resources and managed-object reports.
type Meta struct {
	Plugin     string
	InstanceID string
	Options    map[string]string
}

// registration tracks one started producer and the ids it has
// subscribed to for routing.
type registration struct {
	meta      Meta
	producer  Producer
	resources *Resources

	mu          sync.RWMutex
	stateSubs   map[string]struct{}
	objectSubs  map[string]struct{}
}

// Host is the producer-plugin host (spec §4.6): it starts/stops
// producers, routes stateChange/objectChange/timer events to the ones
// that subscribed, and collects managed-object metadata across all
// instances.
type Host struct {
	log *slog.Logger

	mu    sync.RWMutex
	byKey map[string]*registration // "<plugin>.<instanceID>" -> registration
}

// New returns an empty producer host.
func New(log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		log:   log,
		byKey: make(map[string]*registration),
	}
}

func key(meta Meta) string {
	return meta.Plugin + "." + meta.InstanceID
}

// Start registers and starts a producer instance, handing it a
// Resources facade scoped to meta.Plugin/meta.InstanceID. If a
// producer is already registered under the same plugin/instance key,
// it is stopped first.
func (h *Host) Start(ctx context.Context, meta Meta, p Producer) error {
	h.mu.Lock()
	if existing, ok := h.byKey[key(meta)]; ok {
		h.mu.Unlock()
		existing.stop(ctx, "restarted")
		h.mu.Lock()
		delete(h.byKey, key(meta))
	}
	h.mu.Unlock()

	reg := &registration{
		meta:       meta,
		producer:   p,
		stateSubs:  make(map[string]struct{}),
		objectSubs: make(map[string]struct{}),
	}
	reg.resources = newResources(meta, h.log, reg)

	if err := p.Start(ctx, reg.resources); err != nil {
		reg.resources.cancelAll()
		return fmt.Errorf("ingest: start %s: %w", key(meta), err)
	}

	h.mu.Lock()
	h.byKey[key(meta)] = reg
	h.mu.Unlock()

	h.log.Info("ingest producer started", "plugin", meta.Plugin, "instance", meta.InstanceID)
	return nil
}

// Stop stops a single producer instance, cancelling its scoped
// resources. A rogue producer that never cancels its own timers still
// cannot keep the process alive, since the Resources facade owns and
// stops every timer/ticker it handed out.
func (h *Host) Stop(ctx context.Context, meta Meta, reason string) {
	h.mu.Lock()
	reg, ok := h.byKey[key(meta)]
	if ok {
		delete(h.byKey, key(meta))
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	reg.stop(ctx, reason)
}

// StopAll stops every registered producer. Call on core shutdown,
// before the lifecycle scheduler's own Stop per spec §9's teardown
// order (stop ingest -> stop due-poll -> flush archive -> flush
// storage).
func (h *Host) StopAll(ctx context.Context, reason string) {
	h.mu.Lock()
	regs := make([]*registration, 0, len(h.byKey))
	for k, reg := range h.byKey {
		regs = append(regs, reg)
		delete(h.byKey, k)
	}
	h.mu.Unlock()

	for _, reg := range regs {
		reg.stop(ctx, reason)
	}
}

func (r *registration) stop(ctx context.Context, reason string) {
	r.producer.Stop(ctx, reason)
	r.resources.cancelAll()
}

// RouteStateChange delivers a stateChange event to every registered
// producer that both implements StateChangeHandler and subscribed to
// id via Resources.WatchState. Per-plugin panics are not recovered
// here; callers that accept untrusted producer code should wrap calls
// to RouteStateChange/RouteObjectChange in their own recover, mirroring
// the notify dispatcher's per-plugin isolation at the event-bus layer.
func (h *Host) RouteStateChange(id, oldState, newState string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, reg := range h.byKey {
		reg.mu.RLock()
		_, subscribed := reg.stateSubs[id]
		reg.mu.RUnlock()
		if !subscribed {
			continue
		}
		if handler, ok := reg.producer.(StateChangeHandler); ok {
			handler.OnStateChange(id, oldState, newState)
		}
	}
}

// RouteObjectChange delivers an objectChange event the same way
// RouteStateChange delivers a stateChange event.
func (h *Host) RouteObjectChange(id string, obj any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, reg := range h.byKey {
		reg.mu.RLock()
		_, subscribed := reg.objectSubs[id]
		reg.mu.RUnlock()
		if !subscribed {
			continue
		}
		if handler, ok := reg.producer.(ObjectChangeHandler); ok {
			handler.OnObjectChange(id, obj)
		}
	}
}

// RouteNotifications delivers a notify bus dispatch to every
// registered producer that implements NotificationHandler.
func (h *Host) RouteNotifications(d notify.Dispatch) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, reg := range h.byKey {
		if handler, ok := reg.producer.(NotificationHandler); ok {
			handler.OnNotifications(d)
		}
	}
}

// RouteAction delivers a control-plane action to every registered
// producer that implements ActionHandler.
func (h *Host) RouteAction(a Action) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, reg := range h.byKey {
		if handler, ok := reg.producer.(ActionHandler); ok {
			handler.OnAction(a)
		}
	}
}

// ManagedObjects aggregates the managed-object claims reported by
// every registered producer instance, keyed by external state id.
func (h *Host) ManagedObjects() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string)
	for _, reg := range h.byKey {
		for id, owner := range reg.resources.managedObjects() {
			out[id] = owner
		}
	}
	return out
}

// Resources is the shared-resource facade handed to a producer at
// Start: scoped timers, an options resolver, and a managed-objects
// reporter. Every resource registered through it is tracked and
// cancelled when the owning producer stops.
type Resources struct {
	meta Meta
	log  *slog.Logger
	reg  *registration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	tickers  map[string]*time.Ticker
	managed  map[string]string
	stopped  bool
}

func newResources(meta Meta, log *slog.Logger, reg *registration) *Resources {
	return &Resources{
		meta:    meta,
		log:     log,
		reg:     reg,
		timers:  make(map[string]*time.Timer),
		tickers: make(map[string]*time.Ticker),
		managed: make(map[string]string),
	}
}

// SetTimeout schedules fn to run once after d, under name. A second
// SetTimeout with the same name cancels the first.
func (r *Resources) SetTimeout(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if t, ok := r.timers[name]; ok {
		t.Stop()
	}
	r.timers[name] = time.AfterFunc(d, func() {
		r.mu.Lock()
		stopped := r.stopped
		delete(r.timers, name)
		r.mu.Unlock()
		if stopped {
			return
		}
		fn()
	})
}

// ClearTimeout cancels a pending named timeout, if any.
func (r *Resources) ClearTimeout(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		t.Stop()
		delete(r.timers, name)
	}
}

// SetInterval runs fn every d until ClearInterval(name) or the
// producer stops. A second SetInterval with the same name replaces the
// first.
func (r *Resources) SetInterval(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if t, ok := r.tickers[name]; ok {
		t.Stop()
	}
	ticker := time.NewTicker(d)
	r.tickers[name] = ticker
	r.mu.Unlock()

	go func() {
		for range ticker.C {
			r.mu.Lock()
			stopped := r.stopped
			r.mu.Unlock()
			if stopped {
				return
			}
			fn()
		}
	}()
}

// ClearInterval cancels a running named interval, if any.
func (r *Resources) ClearInterval(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tickers[name]; ok {
		t.Stop()
		delete(r.tickers, name)
	}
}

// WatchState subscribes this producer instance to stateChange routing
// for id.
func (r *Resources) WatchState(id string) {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	r.reg.stateSubs[id] = struct{}{}
}

// WatchObject subscribes this producer instance to objectChange
// routing for id.
func (r *Resources) WatchObject(id string) {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	r.reg.objectSubs[id] = struct{}{}
}

// ResolveString returns the plugin's configured string option for key,
// or def if unset.
func (r *Resources) ResolveString(key, def string) string {
	if v, ok := r.meta.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// ResolveInt returns the plugin's configured int option for key, or
// def if unset or unparsable.
func (r *Resources) ResolveInt(key string, def int) int {
	v, ok := r.meta.Options[key]
	if !ok || v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

// ResolveBool returns the plugin's configured bool option for key, or
// def if unset or unparsable.
func (r *Resources) ResolveBool(key string, def bool) bool {
	v, ok := r.meta.Options[key]
	if !ok || v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return def
	}
}

// MarkManaged records that external state id is monitored by this
// producer instance, for observability and conflict detection (spec's
// "managed object" glossary entry).
func (r *Resources) MarkManaged(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managed[id] = r.meta.Plugin + "." + r.meta.InstanceID
}

// UnmarkManaged removes a managed-object claim.
func (r *Resources) UnmarkManaged(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managed, id)
}

func (r *Resources) managedObjects() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.managed))
	for k, v := range r.managed {
		out[k] = v
	}
	return out
}

// cancelAll stops every timer and ticker this facade handed out. A
// timer or ticker callback that fires after cancelAll is a no-op
// (guarded by the stopped flag), satisfying spec §5's "any timer
// callback that fires after stop must be a no-op".
func (r *Resources) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for _, t := range r.timers {
		t.Stop()
	}
	for _, t := range r.tickers {
		t.Stop()
	}
	r.timers = make(map[string]*time.Timer)
	r.tickers = make(map[string]*time.Ticker)
}
