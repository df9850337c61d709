// Package query models a map search request and the pure transforms applied to it.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultZoom stands in for an absent map zoom when hashing and splitting.
const DefaultZoom = 10

// ErrInvalidBounds is returned for boxes that are empty or inverted.
var ErrInvalidBounds = errors.New("query: invalid map bounds")

// Bounds is a bounding box in degrees.
type Bounds struct {
	West  float64 `json:"west"`
	East  float64 `json:"east"`
	South float64 `json:"south"`
	North float64 `json:"north"`
}

// Validate checks west < east and south < north.
func (b Bounds) Validate() error {
	if !(b.West < b.East) || !(b.South < b.North) {
		return fmt.Errorf("%w: %+v", ErrInvalidBounds, b)
	}
	return nil
}

// IsZero reports whether no bounds were supplied.
func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

// Area returns the box area in square degrees.
func (b Bounds) Area() float64 {
	return (b.East - b.West) * (b.North - b.South)
}

// Pagination is the 1-based page cursor.
type Pagination struct {
	CurrentPage int `json:"currentPage,omitempty"`
}

// SearchQuery is one map search request. Transforms return new values.
type SearchQuery struct {
	MapBounds   Bounds
	MapZoom     *int
	FilterState Filter
	Pagination  *Pagination

	// Extra holds backend fields this package does not interpret, kept verbatim.
	Extra map[string]json.RawMessage
}

// Zoom returns the map zoom or DefaultZoom when absent.
func (q SearchQuery) Zoom() int {
	if q.MapZoom == nil {
		return DefaultZoom
	}
	return *q.MapZoom
}

// Page returns the current page or 1 when absent.
func (q SearchQuery) Page() int {
	if q.Pagination == nil || q.Pagination.CurrentPage <= 0 {
		return 1
	}
	return q.Pagination.CurrentPage
}

// Clone deep-copies the query.
func (q SearchQuery) Clone() SearchQuery {
	out := SearchQuery{
		MapBounds:   q.MapBounds,
		FilterState: q.FilterState.Clone(),
	}
	if q.MapZoom != nil {
		zoom := *q.MapZoom
		out.MapZoom = &zoom
	}
	if q.Pagination != nil {
		page := *q.Pagination
		out.Pagination = &page
	}
	if q.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(q.Extra))
		for k, v := range q.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// WithPage returns a copy positioned on the given page.
func (q SearchQuery) WithPage(page int) SearchQuery {
	out := q.Clone()
	out.Pagination = &Pagination{CurrentPage: page}
	return out
}

// WithFilter returns a copy carrying the given filter.
func (q SearchQuery) WithFilter(f Filter) SearchQuery {
	out := q.Clone()
	out.FilterState = f.Clone()
	return out
}

// MarshalJSON emits the backend's searchQueryState shape.
func (q SearchQuery) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(q.Extra)+4)
	for k, v := range q.Extra {
		out[k] = v
	}
	out["mapBounds"] = q.MapBounds
	if q.MapZoom != nil {
		out["mapZoom"] = *q.MapZoom
	}
	filter := q.FilterState
	if filter == nil {
		filter = Filter{}
	}
	out["filterState"] = filter
	if q.Pagination != nil {
		out["pagination"] = q.Pagination
	} else {
		out["pagination"] = struct{}{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the backend's searchQueryState shape.
func (q *SearchQuery) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*q = SearchQuery{}
	if v, ok := raw["mapBounds"]; ok {
		if err := json.Unmarshal(v, &q.MapBounds); err != nil {
			return fmt.Errorf("mapBounds: %w", err)
		}
		delete(raw, "mapBounds")
	}
	if v, ok := raw["mapZoom"]; ok {
		var zoom *float64
		if err := json.Unmarshal(v, &zoom); err != nil {
			return fmt.Errorf("mapZoom: %w", err)
		}
		if zoom != nil {
			z := int(*zoom)
			q.MapZoom = &z
		}
		delete(raw, "mapZoom")
	}
	if v, ok := raw["filterState"]; ok {
		if err := json.Unmarshal(v, &q.FilterState); err != nil {
			return fmt.Errorf("filterState: %w", err)
		}
		delete(raw, "filterState")
	}
	if v, ok := raw["pagination"]; ok {
		var page Pagination
		if err := json.Unmarshal(v, &page); err != nil {
			return fmt.Errorf("pagination: %w", err)
		}
		if page.CurrentPage > 0 {
			q.Pagination = &page
		}
		delete(raw, "pagination")
	}
	if q.FilterState == nil {
		q.FilterState = Filter{}
	}
	if len(raw) > 0 {
		q.Extra = raw
	}
	return nil
}

// Parse decodes a searchQueryState JSON document.
func Parse(data []byte) (SearchQuery, error) {
	var q SearchQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return SearchQuery{}, fmt.Errorf("parse search query state: %w", err)
	}
	return q, nil
}
