// Package renderer expands a message's title/text templates into the
// view-only Display block. The grammar is {{m.<metricKey>[.val|.unit|.ts]}}
// for metric references and {{t.<timingField>|filter}} for timing
// references, with filters datetime, durationSince, and
// bool:TRUE/FALSE. Expansion is pure: it never mutates the input
// message and resolves strictly from already-canonical data, so it is
// hand-rolled rather than built on text/template — the dotted
// field-then-filter grammar here doesn't map onto template's
// pipeline-of-funcs model without writing the same parser underneath
// a thin text/template shim, so we parse it directly instead.
package renderer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stacknerd/msghub/internal/msg"
)

// placeholderRe matches {{...}} tokens; the captured group is resolved
// by resolveToken.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Locale supplies timezone/format hints for datetime expansion.
type Locale struct {
	TZ     *time.Location
	Layout string // time.Layout-compatible format string; defaults to RFC3339 if empty
}

// DefaultLocale returns UTC with an RFC3339 layout.
func DefaultLocale() Locale {
	return Locale{TZ: time.UTC, Layout: time.RFC3339}
}

// Render produces m's Display block by expanding title/text templates
// against m's own metrics and timing fields; the icon is copied
// unchanged. Render never mutates m.
func Render(m *msg.Message, loc Locale, now int64) *msg.Display {
	return &msg.Display{
		Icon:           m.Icon,
		Title:          expand(m.Title, m, loc, now),
		Text:           expand(m.Text, m, loc, now),
		RenderedDataTs: now,
	}
}

func expand(tmpl string, m *msg.Message, loc Locale, now int64) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(tok string) string {
		inner := strings.TrimSpace(tok[2 : len(tok)-2])
		resolved, err := resolveToken(inner, m, loc, now)
		if err != nil {
			return tok // leave unresolved placeholders intact rather than dropping content
		}
		return resolved
	})
}

// resolveToken parses one {{...}} body, e.g. "m.temperature.val" or
// "t.createdAt|datetime".
func resolveToken(inner string, m *msg.Message, loc Locale, now int64) (string, error) {
	path, filter, hasFilter := strings.Cut(inner, "|")
	path = strings.TrimSpace(path)
	filter = strings.TrimSpace(filter)

	segs := strings.Split(path, ".")
	if len(segs) < 2 {
		return "", fmt.Errorf("renderer: malformed placeholder %q", inner)
	}

	var raw any
	var err error
	switch segs[0] {
	case "m":
		raw, err = resolveMetric(m, segs[1:])
	case "t":
		raw, err = resolveTiming(m, segs[1])
	default:
		return "", fmt.Errorf("renderer: unknown namespace %q", segs[0])
	}
	if err != nil {
		return "", err
	}

	if hasFilter {
		return applyFilter(raw, filter, loc, now)
	}
	return fmt.Sprint(raw), nil
}

func resolveMetric(m *msg.Message, segs []string) (any, error) {
	if m.Metrics == nil || len(segs) == 0 {
		return nil, fmt.Errorf("renderer: no metrics")
	}
	key := segs[0]
	v, ok := m.Metrics.Get(key)
	if !ok {
		return nil, fmt.Errorf("renderer: unknown metric %q", key)
	}
	if len(segs) == 1 {
		return v.Val, nil
	}
	switch segs[1] {
	case "val":
		return v.Val, nil
	case "unit":
		return v.Unit, nil
	case "ts":
		return v.Ts, nil
	}
	return nil, fmt.Errorf("renderer: unknown metric accessor %q", segs[1])
}

func resolveTiming(m *msg.Message, field string) (any, error) {
	t := m.Timing
	switch field {
	case "createdAt":
		return t.CreatedAt, nil
	case "updatedAt":
		return derefOrErr(t.UpdatedAt)
	case "notifyAt":
		return derefOrErr(t.NotifyAt)
	case "remindEvery":
		return derefOrErr(t.RemindEvery)
	case "cooldown":
		return derefOrErr(t.Cooldown)
	case "timeBudget":
		return derefOrErr(t.TimeBudget)
	case "expiresAt":
		return derefOrErr(t.ExpiresAt)
	case "dueAt":
		return derefOrErr(t.DueAt)
	case "startAt":
		return derefOrErr(t.StartAt)
	case "endAt":
		return derefOrErr(t.EndAt)
	}
	return nil, fmt.Errorf("renderer: unknown timing field %q", field)
}

func derefOrErr(p *int64) (any, error) {
	if p == nil {
		return nil, fmt.Errorf("renderer: timing field absent")
	}
	return *p, nil
}

func applyFilter(raw any, filter string, loc Locale, now int64) (string, error) {
	switch {
	case filter == "datetime":
		ms, ok := asInt64(raw)
		if !ok {
			return "", fmt.Errorf("renderer: datetime filter needs a ms timestamp")
		}
		layout := loc.Layout
		if layout == "" {
			layout = time.RFC3339
		}
		tz := loc.TZ
		if tz == nil {
			tz = time.UTC
		}
		return time.UnixMilli(ms).In(tz).Format(layout), nil

	case filter == "durationSince":
		ms, ok := asInt64(raw)
		if !ok {
			return "", fmt.Errorf("renderer: durationSince filter needs a ms timestamp")
		}
		d := time.Duration(now-ms) * time.Millisecond
		if d < 0 {
			d = 0
		}
		return d.Truncate(time.Second).String(), nil

	case strings.HasPrefix(filter, "bool:"):
		spec := strings.TrimPrefix(filter, "bool:")
		truthy, falsy, ok := strings.Cut(spec, "/")
		if !ok {
			return "", fmt.Errorf("renderer: malformed bool filter %q", filter)
		}
		b, ok := asBool(raw)
		if !ok {
			return "", fmt.Errorf("renderer: bool filter needs a boolean-like value")
		}
		if b {
			return truthy, nil
		}
		return falsy, nil
	}
	return "", fmt.Errorf("renderer: unknown filter %q", filter)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch n := v.(type) {
	case bool:
		return n, true
	case float64:
		return n != 0, true
	case int64:
		return n != 0, true
	case string:
		b, err := strconv.ParseBool(n)
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}
