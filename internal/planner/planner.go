// Package planner turns a result type into the exact filter variants the backend needs.
package planner

import (
	"fmt"
	"strings"

	"homecrawler/internal/query"
)

// ResultType selects which listings a crawl collects.
type ResultType string

const (
	TypeAll  ResultType = "all"
	TypeSale ResultType = "sale"
	TypeFSBO ResultType = "fsbo"
	TypeRent ResultType = "rent"
	TypeSold ResultType = "sold"
	// TypePassThrough keeps the filter that came with a start URL.
	TypePassThrough ResultType = "qs"
)

// ParseResultType validates a configured type name. Empty means all.
func ParseResultType(raw string) (ResultType, error) {
	switch t := ResultType(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return TypeAll, nil
	case TypeAll, TypeSale, TypeFSBO, TypeRent, TypeSold, TypePassThrough:
		return t, nil
	default:
		return "", fmt.Errorf("unknown result type %q", raw)
	}
}

// saleFlags are the listing categories the backend requires to be explicitly set.
var saleFlags = []string{
	"isForSaleByAgent",
	"isForSaleByOwner",
	"isNewConstruction",
	"isForSaleForeclosure",
	"isComingSoon",
	"isAuction",
	"isPreMarketForeclosure",
	"isPreMarketPreForeclosure",
}

// FilterFor returns the complete fixed predicate set for a single-category type.
func FilterFor(t ResultType) (query.Filter, error) {
	switch t {
	case TypeSale:
		f := flags(true)
		f["isForRent"] = query.Value(false)
		f["isRecentlySold"] = query.Value(false)
		return f, nil
	case TypeFSBO:
		f := flags(false)
		f["isForSaleByOwner"] = query.Value(true)
		f["isForRent"] = query.Value(false)
		return f, nil
	case TypeRent:
		f := flags(false)
		f["isForRent"] = query.Value(true)
		return f, nil
	case TypeSold:
		f := flags(false)
		f["sortSelection"] = query.Value("globalrelevanceex")
		f["isAllHomes"] = query.Value(true)
		f["isRecentlySold"] = query.Value(true)
		return f, nil
	default:
		return nil, fmt.Errorf("no fixed filter for result type %q", t)
	}
}

func flags(value bool) query.Filter {
	f := make(query.Filter, len(saleFlags)+3)
	for _, name := range saleFlags {
		f[name] = query.Value(value)
	}
	return f
}

// Plan returns one query per backend request needed to cover t. The input is not modified.
func Plan(q query.SearchQuery, t ResultType) ([]query.SearchQuery, error) {
	switch t {
	case TypePassThrough:
		f := q.FilterState.Clone()
		if f == nil {
			f = query.Filter{}
		}
		// "ah" is the wire alias of isAllHomes.
		delete(f, "ah")
		f["isAllHomes"] = query.Value(true)
		return []query.SearchQuery{q.WithFilter(f)}, nil
	case TypeAll:
		out := make([]query.SearchQuery, 0, 3)
		for _, part := range []ResultType{TypeSale, TypeSold, TypeRent} {
			variants, err := Plan(q, part)
			if err != nil {
				return nil, err
			}
			out = append(out, variants...)
		}
		return out, nil
	default:
		f, err := FilterFor(t)
		if err != nil {
			return nil, err
		}
		return []query.SearchQuery{q.WithFilter(f)}, nil
	}
}
