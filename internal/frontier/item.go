// Package frontier holds the idempotent work queue that drives a crawl.
package frontier

import (
	"fmt"
	"strings"

	"homecrawler/internal/query"
	"homecrawler/pkg/types"
)

// Label is the kind of work a frontier item represents.
type Label int

const (
	LabelBootstrap Label = iota + 1
	LabelSearch
	LabelQuery
	LabelZpids
	LabelEnrichedZpids
	LabelDetail
)

var labelNames = map[Label]string{
	LabelBootstrap:     "INITIAL",
	LabelSearch:        "SEARCH",
	LabelQuery:         "QUERY",
	LabelZpids:         "ZPIDS",
	LabelEnrichedZpids: "ENRICHED_ZPIDS",
	LabelDetail:        "DETAIL",
}

func (l Label) String() string {
	if name, ok := labelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LABEL(%d)", int(l))
}

// Valid reports whether l is one of the declared labels.
func (l Label) Valid() bool {
	_, ok := labelNames[l]
	return ok
}

// ParseLabel maps a label name back to its value.
func ParseLabel(raw string) (Label, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for label, name := range labelNames {
		if name == raw {
			return label, nil
		}
	}
	return 0, fmt.Errorf("unknown frontier label %q", raw)
}

// MarshalText encodes the label by name.
func (l Label) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid frontier label %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a label name.
func (l *Label) UnmarshalText(text []byte) error {
	parsed, err := ParseLabel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Item is one pending unit of crawl work.
type Item struct {
	URL       string `json:"url"`
	Label     Label  `json:"label"`
	UniqueKey string `json:"unique_key"`

	// SplitCount is how many map splits produced this item.
	SplitCount int `json:"split_count,omitempty"`
	// PageNumber is set on pagination items; zero means the first page of a branch.
	PageNumber int `json:"page_number,omitempty"`
	// IgnoreFilter keeps the query's own filter instead of the configured type.
	IgnoreFilter bool `json:"ignore_filter,omitempty"`

	Term       string               `json:"term,omitempty"`
	QueryState *query.SearchQuery   `json:"query_state,omitempty"`
	IDs        []string             `json:"ids,omitempty"`
	Results    []types.SearchResult `json:"results,omitempty"`
	ID         string               `json:"id,omitempty"`

	Retries   int    `json:"retries,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Key returns the uniqueness key, falling back to the URL.
func (it Item) Key() string {
	if it.UniqueKey != "" {
		return it.UniqueKey
	}
	return it.URL
}
