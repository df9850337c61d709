package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"homecrawler/internal/listing"
	"homecrawler/internal/query"
	"homecrawler/pkg/types"
)

// ErrNoState is returned when a page carries no embedded state.
var ErrNoState = errors.New("backend: embedded state not found")

// SearchPageState is the search API response and the state embedded in search pages.
type SearchPageState struct {
	QueryState     *query.SearchQuery `json:"queryState,omitempty"`
	Cat1           *Category          `json:"cat1,omitempty"`
	Cat2           *Category          `json:"cat2,omitempty"`
	CategoryTotals struct {
		Cat1 *CategoryTotal `json:"cat1,omitempty"`
		Cat2 *CategoryTotal `json:"cat2,omitempty"`
	} `json:"categoryTotals"`
}

// Category is one result bucket.
type Category struct {
	SearchResults struct {
		ListResults    []RawResult `json:"listResults"`
		MapResults     []RawResult `json:"mapResults"`
		RelaxedResults []RawResult `json:"relaxedResults"`
	} `json:"searchResults"`
	SearchList struct {
		ListResultsTitle   string                     `json:"listResultsTitle"`
		ZeroResultsFilters map[string]json.RawMessage `json:"zeroResultsFilters"`
	} `json:"searchList"`
}

// CategoryTotal carries the result count the backend reports for a bucket.
type CategoryTotal struct {
	TotalResultCount int `json:"totalResultCount"`
}

// RawResult is a listing reference as the backend sends it; zpid may be a number or a string.
type RawResult struct {
	Zpid      any    `json:"zpid"`
	DetailURL string `json:"detailUrl"`
	Relaxed   bool   `json:"relaxed"`
}

func (r RawResult) id() string {
	switch v := r.Zpid.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		if id, ok := listing.Normalize(v); ok {
			return id.String()
		}
		return fmt.Sprint(v)
	}
}

// ParseSearchPageState decodes a search API body.
func ParseSearchPageState(data []byte) (*SearchPageState, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var state SearchPageState
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode search page state: %w", err)
	}
	return &state, nil
}

// Merged is the union of several search states.
type Merged struct {
	Results           []types.SearchResult
	Total             int
	Title             string
	ZeroResultsFilter bool
}

// Merge combines list and map results of both buckets across states, skipping ids seen reports
// as already extracted and ids listed twice. Relaxed results are only kept with includeRelaxed.
func Merge(seen func(id string) bool, includeRelaxed bool, states ...*SearchPageState) Merged {
	var out Merged
	unique := make(map[string]struct{})
	for _, st := range states {
		if st == nil {
			continue
		}
		var raw []RawResult
		for _, cat := range []*Category{st.Cat1, st.Cat2} {
			if cat == nil {
				continue
			}
			raw = append(raw, cat.SearchResults.ListResults...)
			raw = append(raw, cat.SearchResults.MapResults...)
		}
		if includeRelaxed {
			for _, cat := range []*Category{st.Cat1, st.Cat2} {
				if cat == nil {
					continue
				}
				for _, r := range cat.SearchResults.RelaxedResults {
					r.Relaxed = true
					raw = append(raw, r)
				}
			}
		}
		for _, r := range raw {
			id := r.id()
			key := id
			if key == "" {
				key = r.DetailURL
			}
			if key == "" {
				continue
			}
			if _, dup := unique[key]; dup {
				continue
			}
			if seen != nil && id != "" && seen(id) {
				continue
			}
			unique[key] = struct{}{}
			out.Results = append(out.Results, types.SearchResult{ID: id, DetailURL: r.DetailURL, Relaxed: r.Relaxed})
		}

		for _, total := range []*CategoryTotal{st.CategoryTotals.Cat1, st.CategoryTotals.Cat2} {
			if total != nil && total.TotalResultCount > out.Total {
				out.Total = total.TotalResultCount
			}
		}
		for _, cat := range []*Category{st.Cat1, st.Cat2} {
			if cat == nil {
				continue
			}
			if out.Title == "" && cat.SearchList.ListResultsTitle != "" {
				out.Title = cat.SearchList.ListResultsTitle
			}
			if len(cat.SearchList.ZeroResultsFilters) > 0 {
				out.ZeroResultsFilter = true
			}
		}
	}
	return out
}

// ReadSearchState extracts the search state embedded in a search results page. Both the
// commented mobileSearchPageStore script and the __NEXT_DATA__ layout are understood.
func ReadSearchState(html string) (*SearchPageState, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}
	if text := doc.Find(`script[data-zrr-shared-data-key="mobileSearchPageStore"]`).First().Text(); text != "" {
		text = strings.TrimSpace(text)
		text = strings.TrimSuffix(strings.TrimPrefix(text, "<!--"), "-->")
		if state, err := ParseSearchPageState([]byte(text)); err == nil {
			return state, nil
		}
	}
	if text := doc.Find(`script#__NEXT_DATA__`).First().Text(); text != "" {
		var next struct {
			Props struct {
				PageProps struct {
					SearchPageState json.RawMessage `json:"searchPageState"`
				} `json:"pageProps"`
			} `json:"props"`
		}
		if err := json.Unmarshal([]byte(text), &next); err == nil && len(next.Props.PageProps.SearchPageState) > 0 {
			return ParseSearchPageState(next.Props.PageProps.SearchPageState)
		}
	}
	return nil, ErrNoState
}

// DetailState is what a detail page exposes.
type DetailState struct {
	// BuildingID is set on building pages, which list several units under one id.
	BuildingID string
	Property   types.Record
}

// ReadDetailState extracts the property payload, or the building id, from a detail page.
func ReadDetailState(html string) (*DetailState, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}
	state := &DetailState{}
	found := false

	if text := doc.Find(`script#__NEXT_DATA__`).First().Text(); text != "" {
		var next struct {
			Props struct {
				InitialData struct {
					Building struct {
						Zpid any `json:"zpid"`
					} `json:"building"`
				} `json:"initialData"`
				PageProps struct {
					ComponentProps struct {
						GdpClientCache string `json:"gdpClientCache"`
					} `json:"componentProps"`
				} `json:"pageProps"`
			} `json:"props"`
		}
		if err := json.Unmarshal([]byte(text), &next); err == nil {
			found = true
			if id, ok := listing.Normalize(next.Props.InitialData.Building.Zpid); ok {
				state.BuildingID = id.String()
			}
			if cache := next.Props.PageProps.ComponentProps.GdpClientCache; cache != "" {
				state.Property = propertyFromCache(cache)
			}
		}
	}

	if state.Property == nil {
		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := s.Text()
			if !strings.Contains(text, "RenderQuery") || !strings.Contains(text, "apiCache") {
				return true
			}
			found = true
			var wrapper struct {
				APICache string `json:"apiCache"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &wrapper); err != nil {
				return true
			}
			if prop := propertyFromCache(wrapper.APICache); prop != nil {
				state.Property = prop
				return false
			}
			return true
		})
	}

	if !found {
		return nil, ErrNoState
	}
	return state, nil
}

func propertyFromCache(cache string) types.Record {
	var entries map[string]struct {
		Property types.Record `json:"property"`
	}
	if err := json.Unmarshal([]byte(cache), &entries); err != nil {
		return nil
	}
	for key, entry := range entries {
		if strings.Contains(key, "RenderQuery") && entry.Property != nil {
			return entry.Property
		}
	}
	return nil
}
