// Package notify fans out lifecycle events to subscribed plugins with
// audience-channel routing and optional quiet-hours gating. Grounded
// on events.Bus (internal/events/bus.go): a nil-safe, non-blocking
// broadcast primitive where slow subscribers drop events rather than
// block publishers. Dispatch here additionally filters per-subscriber
// by audience-channel rules before delivery, which events.Bus does not
// need to do for its generic observability events.
package notify

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/metrics"
	"github.com/stacknerd/msghub/internal/msg"
)

// Dispatch is one fan-out delivery: the event kind and the batch of
// messages it carries (due/expired ticks deliver batches; other events
// typically carry a single message).
type Dispatch struct {
	Event    constants.NotifyEvent
	Messages []*msg.Message
}

// Subscription is a registered plugin's delivery channel and routing
// declaration.
type Subscription struct {
	ch      chan Dispatch
	channel string // empty = "unrouted" plugin, receives only audience-unrestricted messages
}

// QuietHoursFunc reports whether now falls inside the configured quiet
// window, and the minimum level that still bypasses it.
type QuietHoursFunc func(now time.Time) (active bool, minLevel constants.Level)

// Bus is a non-blocking, audience-aware broadcast dispatcher. Safe to
// call on a nil receiver (Dispatch becomes a no-op), mirroring
// events.Bus's nil-safety.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Dispatch]*Subscription

	log        *slog.Logger
	quietHours QuietHoursFunc
}

// New creates a dispatcher. quietHours may be nil to disable gating.
func New(log *slog.Logger, quietHours QuietHoursFunc) *Bus {
	return &Bus{
		subs:       make(map[chan Dispatch]*Subscription),
		log:        log,
		quietHours: quietHours,
	}
}

// Subscribe registers a plugin's delivery channel. channel is the
// plugin's declared audience channel identifier, or "" for a plugin
// that does not participate in channel routing (supportsChannelRouting
// = false in spec terms): such plugins only receive messages whose
// audience.channels.include is empty/absent.
func (b *Bus) Subscribe(bufSize int, channel string) <-chan Dispatch {
	ch := make(chan Dispatch, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &Subscription{ch: ch, channel: channel}
	return ch
}

// Unsubscribe removes a plugin's subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Dispatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, sub := range b.subs {
		if sub.ch == ch {
			delete(b.subs, k)
			close(sub.ch)
			return
		}
	}
}

// Dispatch fans event out to every subscriber whose audience-channel
// rules admit at least one message in messages, filtering the batch
// per-subscriber. Before any quiet-hours gating or routing it sets
// notifiedAt[event] on every message in the batch, whether or not a
// subscriber receives it (not per-plugin success, per the documented
// reading of the partial-failure open question). Safe on a nil *Bus.
func (b *Bus) Dispatch(event constants.NotifyEvent, messages []*msg.Message) {
	if b == nil || len(messages) == 0 {
		return
	}

	now := NowFunc()
	for _, m := range messages {
		if m.Timing.NotifiedAt == nil {
			m.Timing.NotifiedAt = make(map[string]int64)
		}
		m.Timing.NotifiedAt[string(event)] = now
	}

	gated := messages
	if b.quietHours != nil {
		if active, minLevel := b.quietHours(time.UnixMilli(now)); active {
			gated = filterByMinLevel(messages, minLevel)
			if len(gated) == 0 {
				return
			}
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		eligible := filterByChannel(gated, sub.channel)
		if len(eligible) == 0 {
			continue
		}
		metrics.DispatchTotal.WithLabelValues(string(event)).Inc()
		select {
		case sub.ch <- Dispatch{Event: event, Messages: eligible}:
		default:
			metrics.DispatchDroppedTotal.WithLabelValues(string(event)).Inc()
			b.log.Warn("notify dispatch dropped: subscriber channel full", "event", event)
		}
	}
}

// NowFunc is the injectable clock for notifiedAt bookkeeping.
var NowFunc = func() int64 { return time.Now().UnixMilli() }

func filterByMinLevel(messages []*msg.Message, minLevel constants.Level) []*msg.Message {
	out := make([]*msg.Message, 0, len(messages))
	for _, m := range messages {
		if m.Level >= minLevel {
			out = append(out, m)
		}
	}
	return out
}

// filterByChannel implements audience-channel routing (spec §4.5): if
// the plugin channel is empty, deliver only messages whose
// audience.channels.include is empty/absent; otherwise exclude wins,
// then include restricts; "*"/"all" always match.
func filterByChannel(messages []*msg.Message, channel string) []*msg.Message {
	out := make([]*msg.Message, 0, len(messages))
	for _, m := range messages {
		if RouteTo(m, channel) {
			out = append(out, m)
		}
	}
	return out
}

// RouteTo reports whether m is eligible for delivery on channel, per
// the audience-channel routing predicate (spec §4.5). It is exported
// so internal/query can synthesize the same predicate for
// audience.channels.routeTo filters.
func RouteTo(m *msg.Message, channel string) bool {
	var include, exclude []string
	if m.Audience != nil && m.Audience.Channels != nil {
		include = m.Audience.Channels.Include
		exclude = m.Audience.Channels.Exclude
	}

	if channel == "" {
		return len(include) == 0
	}

	for _, c := range exclude {
		if channelMatches(c, channel) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, c := range include {
		if channelMatches(c, channel) {
			return true
		}
	}
	return false
}

func channelMatches(pattern, channel string) bool {
	p := strings.ToLower(pattern)
	if p == "*" || p == "all" {
		return true
	}
	return strings.EqualFold(pattern, channel)
}
