// Package query implements the filter/sort/pagination engine over the
// canonical message list (spec §4.9). Filter predicates are built from
// a closed set of shapes (scalar, {in}, {notIn}, {min,max}, {any},
// {all}) rather than a general expression language, matching the
// teacher's preference for small closed-set validation over a DSL
// (constants.ValidKind and friends). List-membership predicates reuse
// path.Match-style glob semantics from homeassistant.EntityFilter for
// details.location allowlists.
package query

import (
	"fmt"
	"path"
	"sort"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
	"github.com/stacknerd/msghub/internal/notify"
)

// EnumFilter expresses an enum-field predicate: exactly one of Eq, In,
// NotIn may be set (both In and NotIn set is a TypeError).
type EnumFilter struct {
	Eq    string
	In    []string
	NotIn []string
}

func (f *EnumFilter) isZero() bool {
	return f == nil || (f.Eq == "" && len(f.In) == 0 && len(f.NotIn) == 0)
}

func (f *EnumFilter) validate() error {
	if f != nil && len(f.In) > 0 && len(f.NotIn) > 0 {
		return fmt.Errorf("query: in and notIn are mutually exclusive")
	}
	return nil
}

func (f *EnumFilter) matches(v string) bool {
	if f.isZero() {
		return true
	}
	if f.Eq != "" {
		return v == f.Eq
	}
	if len(f.In) > 0 {
		return contains(f.In, v)
	}
	if len(f.NotIn) > 0 {
		return !contains(f.NotIn, v)
	}
	return true
}

// LevelFilter adds {min,max} range support to EnumFilter's shapes,
// over integer levels.
type LevelFilter struct {
	Eq    *constants.Level
	In    []constants.Level
	NotIn []constants.Level
	Min   *constants.Level
	Max   *constants.Level
}

func (f *LevelFilter) validate() error {
	if f == nil {
		return nil
	}
	if len(f.In) > 0 && len(f.NotIn) > 0 {
		return fmt.Errorf("query: level in and notIn are mutually exclusive")
	}
	return nil
}

func (f *LevelFilter) matches(v constants.Level) bool {
	if f == nil {
		return true
	}
	if f.Eq != nil && v != *f.Eq {
		return false
	}
	if len(f.In) > 0 && !containsLevel(f.In, v) {
		return false
	}
	if len(f.NotIn) > 0 && containsLevel(f.NotIn, v) {
		return false
	}
	if f.Min != nil && v < *f.Min {
		return false
	}
	if f.Max != nil && v > *f.Max {
		return false
	}
	return true
}

// RangeFilter matches an optional int64 timing field: exact value, or
// {min,max} inclusive range. A range filter implies existence unless
// OrMissing is set.
type RangeFilter struct {
	Eq        *int64
	Min       *int64
	Max       *int64
	OrMissing bool
}

func (f *RangeFilter) matches(v *int64) bool {
	if f == nil {
		return true
	}
	if v == nil {
		return f.OrMissing
	}
	if f.Eq != nil {
		return *v == *f.Eq
	}
	if f.Min != nil && *v < *f.Min {
		return false
	}
	if f.Max != nil && *v > *f.Max {
		return false
	}
	return true
}

// ListFilter matches a string-set field (tags, dependencies) by {any}
// or {all}. When both are set, only Any is applied. Implies existence:
// an empty/nil field fails unless the filter itself is empty.
type ListFilter struct {
	Any []string
	All []string
}

func (f *ListFilter) matches(values []string) bool {
	if f == nil || (len(f.Any) == 0 && len(f.All) == 0) {
		return true
	}
	if len(values) == 0 {
		return false
	}
	if len(f.Any) > 0 {
		for _, want := range f.Any {
			if contains(values, want) {
				return true
			}
		}
		return false
	}
	for _, want := range f.All {
		if !contains(values, want) {
			return false
		}
	}
	return true
}

// LocationFilter matches details.location: exact, allowlist (array),
// or glob patterns via path.Match (mirrors homeassistant.EntityFilter).
// Implies existence.
type LocationFilter struct {
	Eq        string
	In        []string
	Glob      []string
}

func (f *LocationFilter) matches(location string) bool {
	if f == nil || (f.Eq == "" && len(f.In) == 0 && len(f.Glob) == 0) {
		return true
	}
	if location == "" {
		return false
	}
	if f.Eq != "" {
		return location == f.Eq
	}
	if len(f.In) > 0 && contains(f.In, location) {
		return true
	}
	for _, pat := range f.Glob {
		if matched, err := path.Match(pat, location); err == nil && matched {
			return true
		}
	}
	return false
}

// Where is the full filter specification for one query.
type Where struct {
	Kind       *EnumFilter
	OriginType *EnumFilter
	State      *EnumFilter
	Level      *LevelFilter

	Timing map[string]*RangeFilter // keys: createdAt, updatedAt, expiresAt, notifyAt, remindEvery, dueAt, startAt, endAt

	Location *LocationFilter

	AudienceTags *ListFilter
	Dependencies *ListFilter

	RouteToChannel *string // synthesizes notify.RouteTo
}

// Validate reports a TypeError-shaped error for mutually exclusive
// filter keys, to be translated by the command layer into BAD_REQUEST.
func (w *Where) Validate() error {
	if w == nil {
		return nil
	}
	if err := w.Kind.validate(); err != nil {
		return err
	}
	if err := w.OriginType.validate(); err != nil {
		return err
	}
	if err := w.State.validate(); err != nil {
		return err
	}
	if err := w.Level.validate(); err != nil {
		return err
	}
	return nil
}

// SortField names a sortable field; Dir is "asc" or "desc".
type SortField struct {
	Field string
	Dir   string
}

// Page is 1-based pagination; Size<=0 disables paging.
type Page struct {
	Size  int
	Index int
}

// Spec is one full query: filter, sort, and page.
type Spec struct {
	Where *Where
	Sort  []SortField
	Page  *Page
}

// Result is the rendered, paginated query response.
type Result struct {
	Total int
	Pages int
	Items []*msg.Message
}

// Run evaluates spec over the canonical list (already-cloned views, so
// callers may safely mutate Result.Items without affecting stored
// state) and returns the filtered, sorted, paginated result.
func Run(messages []*msg.Message, spec Spec) (*Result, error) {
	if err := spec.Where.Validate(); err != nil {
		return nil, err
	}

	filtered := make([]*msg.Message, 0, len(messages))
	for _, m := range messages {
		if matchesWhere(m, spec.Where) {
			filtered = append(filtered, m)
		}
	}

	sortMessages(filtered, spec.Sort)

	total := len(filtered)
	items := filtered
	pages := 1
	if spec.Page != nil && spec.Page.Size > 0 {
		pages = (total + spec.Page.Size - 1) / spec.Page.Size
		if pages == 0 {
			pages = 1
		}
		start := (spec.Page.Index - 1) * spec.Page.Size
		if start < 0 {
			start = 0
		}
		if start >= total {
			items = nil
		} else {
			end := start + spec.Page.Size
			if end > total {
				end = total
			}
			items = filtered[start:end]
		}
	}

	return &Result{Total: total, Pages: pages, Items: items}, nil
}

// matchesWhere applies the hidden-by-default rule: deleted/expired are
// excluded unless lifecycle.state explicitly requests them via scalar
// or {in} containing the value ({notIn} does not implicitly re-include).
func matchesWhere(m *msg.Message, w *Where) bool {
	if w == nil {
		w = &Where{}
	}

	if hiddenByDefault(m.Lifecycle.State, w.State) {
		return false
	}

	if w.Kind != nil && !w.Kind.matches(string(m.Kind)) {
		return false
	}
	if w.OriginType != nil && !w.OriginType.matches(string(m.Origin.Type)) {
		return false
	}
	if w.State != nil && !w.State.matches(string(m.Lifecycle.State)) {
		return false
	}
	if w.Level != nil && !w.Level.matches(m.Level) {
		return false
	}

	for field, rf := range w.Timing {
		if !rf.matches(timingField(m, field)) {
			return false
		}
	}

	if w.Location != nil {
		loc := ""
		if m.Details != nil {
			loc = m.Details.Location
		}
		if !w.Location.matches(loc) {
			return false
		}
	}

	if w.AudienceTags != nil {
		var tags []string
		if m.Audience != nil {
			tags = m.Audience.Tags
		}
		if !w.AudienceTags.matches(tags) {
			return false
		}
	}
	if w.Dependencies != nil && !w.Dependencies.matches(m.Dependencies) {
		return false
	}
	if w.RouteToChannel != nil && !notify.RouteTo(m, *w.RouteToChannel) {
		return false
	}

	return true
}

// hiddenByDefault implements the "hidden-by-default" rule: deleted and
// expired messages are excluded unless the state filter explicitly
// requests them via a scalar match or an {in} list containing the
// value. A {notIn} filter does not implicitly re-include them.
func hiddenByDefault(state constants.LifecycleState, filter *EnumFilter) bool {
	if !(state == constants.StateDeleted || state == constants.StateExpired) {
		return false
	}
	if filter == nil {
		return true
	}
	if filter.Eq == string(state) {
		return false
	}
	if len(filter.In) > 0 && contains(filter.In, string(state)) {
		return false
	}
	return true
}

func timingField(m *msg.Message, field string) *int64 {
	t := m.Timing
	switch field {
	case "createdAt":
		return &t.CreatedAt
	case "updatedAt":
		return t.UpdatedAt
	case "expiresAt":
		return t.ExpiresAt
	case "notifyAt":
		return t.NotifyAt
	case "remindEvery":
		return t.RemindEvery
	case "dueAt":
		return t.DueAt
	case "startAt":
		return t.StartAt
	case "endAt":
		return t.EndAt
	}
	return nil
}

func sortMessages(messages []*msg.Message, fields []SortField) {
	if len(fields) == 0 {
		fields = []SortField{{Field: "ref", Dir: "asc"}}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		for _, f := range fields {
			cmp, directional := compareField(messages[i], messages[j], f.Field)
			if cmp == 0 {
				continue
			}
			if directional && f.Dir == "desc" {
				return cmp > 0
			}
			return cmp < 0
		}
		return messages[i].Ref < messages[j].Ref // tiebreak for determinism
	})
}

// compareField returns <0, 0, >0, plus whether the caller's sort
// direction should apply to that result. Missing-value comparisons are
// not directional: missing values sort last regardless of direction
// (spec.md §4.9), so a missing-vs-present comparison always returns
// directional=false and a cmp already oriented "a after b".
func compareField(a, b *msg.Message, field string) (cmp int, directional bool) {
	switch field {
	case "ref":
		return compareStrings(a.Ref, b.Ref), true
	case "level":
		return int(a.Level) - int(b.Level), true
	case "kind":
		return compareStrings(string(a.Kind), string(b.Kind)), true
	case "origin.type":
		return compareStrings(string(a.Origin.Type), string(b.Origin.Type)), true
	case "lifecycle.state":
		return compareStrings(string(a.Lifecycle.State), string(b.Lifecycle.State)), true
	case "details.location":
		la, lb := "", ""
		if a.Details != nil {
			la = a.Details.Location
		}
		if b.Details != nil {
			lb = b.Details.Location
		}
		return compareStrings(la, lb), true
	default:
		ta, tb := timingField(a, field), timingField(b, field)
		if ta == nil || tb == nil {
			return compareTimingMissingLast(ta, tb), false
		}
		return compareTimingMissingLast(ta, tb), true
	}
}

func compareTimingMissingLast(a, b *int64) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1 // missing sorts last regardless of direction
	}
	if b == nil {
		return -1
	}
	if *a == *b {
		return 0
	}
	if *a < *b {
		return -1
	}
	return 1
}

func compareStrings(a, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsLevel(list []constants.Level, v constants.Level) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
