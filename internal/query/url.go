package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Origin is the site every relative listing URL resolves against.
const Origin = "https://www.zillow.com/"

// ErrUnsupportedURL marks start URLs whose shape cannot be crawled.
var ErrUnsupportedURL = errors.New("query: unsupported url")

// Kind classifies a start URL.
type Kind int

const (
	KindQuery Kind = iota
	KindSearch
	KindDetail
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindSearch:
		return "search"
	case KindDetail:
		return "detail"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// URLInfo is what Classify learned about a URL.
type URLInfo struct {
	Kind  Kind
	URL   string
	ID    string
	Term  string
	State *SearchQuery
}

var (
	detailPattern      = regexp.MustCompile(`/(\d+)_zpid`)
	legacyTypePattern  = regexp.MustCompile(`/(fsbo|rent|sale|sold)/?`)
	searchResultMarker = regexp.MustCompile(`(/homes/|_rb)`)
)

// Classify inspects a listing-site URL and decides how it should be crawled.
func Classify(raw string) (URLInfo, error) {
	base, _ := url.Parse(Origin)
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return URLInfo{}, fmt.Errorf("parse url %q: %w", raw, err)
	}
	u := base.ResolveReference(ref)
	info := URLInfo{URL: u.String()}

	if m := detailPattern.FindStringSubmatch(u.Path); m != nil || strings.HasPrefix(u.Path, "/b/") {
		info.Kind = KindDetail
		if m != nil {
			info.ID = m[1]
		}
		return info, nil
	}

	if raw := u.Query().Get("searchQueryState"); raw != "" {
		state, err := Parse([]byte(raw))
		if err != nil {
			return URLInfo{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedURL, u.String(), err)
		}
		info.Kind = KindQuery
		info.State = &state
		return info, nil
	}

	if strings.HasPrefix(u.Path, "/homes") {
		info.Kind = KindQuery
		return info, nil
	}

	if legacyTypePattern.MatchString(u.Path) {
		return URLInfo{}, fmt.Errorf("%w: %s needs a searchQueryState parameter", ErrUnsupportedURL, u.String())
	}

	if strings.Contains(u.Path, ",") {
		info.Kind = KindSearch
		for _, segment := range strings.Split(u.Path, "/") {
			if segment != "" {
				info.Term, _ = url.PathUnescape(segment)
				break
			}
		}
		return info, nil
	}

	info.Kind = KindQuery
	return info, nil
}

// SearchURL is the results page for a free-text location.
func SearchURL(term string) string {
	slug := strings.Join(strings.Fields(term), "-")
	slug = strings.NewReplacer("/", "-", "?", "", "#", "").Replace(slug)
	return Origin + "homes/" + slug + "_rb/"
}

// ZipcodeURL is the results page for a postal code.
func ZipcodeURL(zip string) string {
	return SearchURL(strings.TrimSpace(zip))
}

// DetailURL is the detail page for a listing identifier.
func DetailURL(id string) string {
	return Origin + "homedetails/" + id + "_zpid/"
}

// ResolveURL makes a possibly relative detail URL absolute.
func ResolveURL(ref string) string {
	base, _ := url.Parse(Origin)
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// WithState encodes q into the searchQueryState parameter of pageURL.
func WithState(pageURL string, q SearchQuery) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/homes/"
	}
	encoded, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode search query state: %w", err)
	}
	values := u.Query()
	values.Set("searchQueryState", string(encoded))
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// IsSearchResultURL reports whether a post-search address is a results page and not a detail page.
func IsSearchResultURL(raw string) bool {
	if strings.Contains(raw, "searchQueryState") {
		return true
	}
	if !searchResultMarker.MatchString(raw) {
		return false
	}
	return !strings.Contains(raw, "/_rb/") && !strings.Contains(raw, "_zpid")
}
