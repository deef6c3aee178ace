package commandbus

import (
	"encoding/json"

	"github.com/stacknerd/msghub/internal/constants"
	"github.com/stacknerd/msghub/internal/msg"
	"github.com/stacknerd/msghub/internal/query"
)

// The DTOs below are the JSON-facing mirror of internal/query's Go
// filter types (spec.md §4.9). They exist because query.Where's field
// names are Go-idiomatic (EnumFilter, LevelFilter, ...) while the wire
// shape documented in spec.md §4.9 uses bare JSON objects like
// {"in": [...]}; the conversion functions below are the only place
// that translates between the two.

type enumFilterDTO struct {
	Eq    string   `json:"eq,omitempty"`
	In    []string `json:"in,omitempty"`
	NotIn []string `json:"notIn,omitempty"`
}

func (d *enumFilterDTO) toFilter() *query.EnumFilter {
	if d == nil {
		return nil
	}
	return &query.EnumFilter{Eq: d.Eq, In: d.In, NotIn: d.NotIn}
}

type levelFilterDTO struct {
	Eq    *constants.Level  `json:"eq,omitempty"`
	In    []constants.Level `json:"in,omitempty"`
	NotIn []constants.Level `json:"notIn,omitempty"`
	Min   *constants.Level  `json:"min,omitempty"`
	Max   *constants.Level  `json:"max,omitempty"`
}

func (d *levelFilterDTO) toFilter() *query.LevelFilter {
	if d == nil {
		return nil
	}
	return &query.LevelFilter{Eq: d.Eq, In: d.In, NotIn: d.NotIn, Min: d.Min, Max: d.Max}
}

type rangeFilterDTO struct {
	Eq        *int64 `json:"eq,omitempty"`
	Min       *int64 `json:"min,omitempty"`
	Max       *int64 `json:"max,omitempty"`
	OrMissing bool   `json:"orMissing,omitempty"`
}

func (d *rangeFilterDTO) toFilter() *query.RangeFilter {
	if d == nil {
		return nil
	}
	return &query.RangeFilter{Eq: d.Eq, Min: d.Min, Max: d.Max, OrMissing: d.OrMissing}
}

type listFilterDTO struct {
	Any []string `json:"any,omitempty"`
	All []string `json:"all,omitempty"`
}

func (d *listFilterDTO) toFilter() *query.ListFilter {
	if d == nil {
		return nil
	}
	return &query.ListFilter{Any: d.Any, All: d.All}
}

type locationFilterDTO struct {
	Eq   string   `json:"eq,omitempty"`
	In   []string `json:"in,omitempty"`
	Glob []string `json:"glob,omitempty"`
}

func (d *locationFilterDTO) toFilter() *query.LocationFilter {
	if d == nil {
		return nil
	}
	return &query.LocationFilter{Eq: d.Eq, In: d.In, Glob: d.Glob}
}

type whereDTO struct {
	Kind           *enumFilterDTO             `json:"kind,omitempty"`
	OriginType     *enumFilterDTO             `json:"originType,omitempty"`
	State          *enumFilterDTO             `json:"state,omitempty"`
	Level          *levelFilterDTO            `json:"level,omitempty"`
	Timing         map[string]*rangeFilterDTO `json:"timing,omitempty"`
	Location       *locationFilterDTO         `json:"location,omitempty"`
	AudienceTags   *listFilterDTO             `json:"audienceTags,omitempty"`
	Dependencies   *listFilterDTO             `json:"dependencies,omitempty"`
	RouteToChannel *string                    `json:"routeToChannel,omitempty"`
}

func (d *whereDTO) toWhere() *query.Where {
	if d == nil {
		return nil
	}
	w := &query.Where{
		Kind:           d.Kind.toFilter(),
		OriginType:     d.OriginType.toFilter(),
		State:          d.State.toFilter(),
		Level:          d.Level.toFilter(),
		Location:       d.Location.toFilter(),
		AudienceTags:   d.AudienceTags.toFilter(),
		Dependencies:   d.Dependencies.toFilter(),
		RouteToChannel: d.RouteToChannel,
	}
	if len(d.Timing) > 0 {
		w.Timing = make(map[string]*query.RangeFilter, len(d.Timing))
		for k, v := range d.Timing {
			w.Timing[k] = v.toFilter()
		}
	}
	return w
}

type sortFieldDTO struct {
	Field string `json:"field"`
	Dir   string `json:"dir"`
}

type pageDTO struct {
	Size  int `json:"size"`
	Index int `json:"index"`
}

type queryRequest struct {
	Where *whereDTO      `json:"where,omitempty"`
	Sort  []sortFieldDTO `json:"sort,omitempty"`
	Page  *pageDTO       `json:"page,omitempty"`
}

func (r *queryRequest) toSpec() query.Spec {
	spec := query.Spec{Where: r.Where.toWhere()}
	for _, s := range r.Sort {
		spec.Sort = append(spec.Sort, query.SortField{Field: s.Field, Dir: s.Dir})
	}
	if r.Page != nil {
		spec.Page = &query.Page{Size: r.Page.Size, Index: r.Page.Index}
	}
	return spec
}

type queryResult struct {
	Total int            `json:"total"`
	Pages int            `json:"pages"`
	Items []*msg.Message `json:"items"`
}

func (b *Bus) handleMessagesQuery(payload json.RawMessage) Envelope {
	var req queryRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fail(CodeBadRequest, "malformed request: %v", err)
		}
	}

	res, err := b.store.QueryMessages(req.toSpec())
	if err != nil {
		return fail(CodeBadRequest, "%v", err)
	}
	return ok(queryResult{Total: res.Total, Pages: res.Pages, Items: res.Items})
}
