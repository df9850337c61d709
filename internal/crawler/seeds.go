package crawler

import (
	"errors"
	"fmt"

	"homecrawler/internal/frontier"
	"homecrawler/internal/listing"
	"homecrawler/internal/query"
)

// zpidsKey dedups the single item carrying configured listing identifiers.
const zpidsKey = "ZPIDS"

// startItems turns the search configuration into the first frontier items.
func (e *Engine) startItems() ([]frontier.Item, error) {
	search := e.cfg.Search
	var items []frontier.Item

	for _, term := range search.Terms {
		items = append(items, frontier.Item{
			URL:       query.Origin,
			Label:     frontier.LabelSearch,
			UniqueKey: term,
			Term:      term,
		})
	}
	for _, zip := range search.Zipcodes {
		items = append(items, frontier.Item{
			URL:       query.Origin,
			Label:     frontier.LabelSearch,
			UniqueKey: zip,
			Term:      zip,
		})
	}

	for _, raw := range search.StartURLs {
		item, err := startURLItem(raw)
		if err != nil {
			if errors.Is(err, query.ErrUnsupportedURL) {
				return nil, err
			}
			e.logger.Warn("skipping start url", "url", raw, "error", err)
			continue
		}
		items = append(items, item)
	}

	if len(search.Zpids) > 0 {
		ids := make([]string, 0, len(search.Zpids))
		for _, raw := range search.Zpids {
			id, ok := listing.Normalize(raw)
			if !ok {
				e.logger.Warn("skipping invalid listing id", "id", raw)
				continue
			}
			ids = append(ids, id.String())
		}
		if len(ids) > 0 {
			items = append(items, frontier.Item{
				URL:       query.Origin,
				Label:     frontier.LabelZpids,
				UniqueKey: zpidsKey,
				IDs:       ids,
			})
		}
	}

	if len(items) == 0 {
		return nil, errors.New("crawler: no usable search input")
	}
	return items, nil
}

// startURLItem maps a start URL to its item. Start URLs keep their own filters.
func startURLItem(raw string) (frontier.Item, error) {
	info, err := query.Classify(raw)
	if err != nil {
		return frontier.Item{}, err
	}
	switch info.Kind {
	case query.KindDetail:
		return frontier.Item{
			URL:       info.URL,
			Label:     frontier.LabelDetail,
			UniqueKey: info.URL,
			ID:        info.ID,
		}, nil
	case query.KindSearch:
		return frontier.Item{
			URL:          query.Origin,
			Label:        frontier.LabelSearch,
			UniqueKey:    info.URL,
			Term:         info.Term,
			IgnoreFilter: true,
		}, nil
	case query.KindQuery:
		return frontier.Item{
			URL:          info.URL,
			Label:        frontier.LabelQuery,
			UniqueKey:    info.URL,
			QueryState:   info.State,
			IgnoreFilter: true,
		}, nil
	default:
		return frontier.Item{}, fmt.Errorf("unhandled url kind %s", info.Kind)
	}
}
