package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"homecrawler/internal/browser"
	"homecrawler/internal/listing"
	"homecrawler/internal/query"
	"homecrawler/pkg/types"
)

const (
	// DetailOperation is the GraphQL operation whose queryId and clientVersion the crawl needs.
	DetailOperation = "ForSaleDoubleScrollFullRenderQuery"

	searchWants = `{"cat1":["listResults","mapResults"]}`
	cardLink    = `a.list-card-link, a[data-test="property-card-link"]`
)

var (
	// ErrNoProperty is returned when a detail response carries no property.
	ErrNoProperty = errors.New("backend: response has no property")
	// ErrNoCredential is returned when the detail query parameters never showed up.
	ErrNoCredential = errors.New("backend: detail query credential not observed")
)

// StatusError reports a backend response other than 200.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s returned status %d", e.URL, e.Status)
}

// Blocked reports whether the status means the session was flagged.
func (e *StatusError) Blocked() bool {
	return e.Status == http.StatusForbidden || e.Status == http.StatusTooManyRequests
}

// ClientOptions configures Client.
type ClientOptions struct {
	// Origin overrides the site origin; tests point it at a local server.
	Origin            string
	CredentialTimeout time.Duration
	Logger            *slog.Logger
}

// Client issues the search and detail calls the crawl is built on.
type Client struct {
	transport         Transport
	origin            string
	credentialTimeout time.Duration
	logger            *slog.Logger
}

// NewClient builds a client over the transport.
func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.Origin == "" {
		opts.Origin = query.Origin
	}
	if opts.CredentialTimeout <= 0 {
		opts.CredentialTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport:         transport,
		origin:            strings.TrimRight(opts.Origin, "/"),
		credentialTimeout: opts.CredentialTimeout,
		logger:            logger.With("component", "backend"),
	}
}

// Origin returns the site origin the client talks to.
func (c *Client) Origin() string { return c.origin }

// Target identifies the page and proxy a call runs through.
type Target struct {
	Page     browser.Page
	ProxyURL string
}

// SearchURL returns the search API URL for a query state.
func (c *Client) SearchURL(q query.SearchQuery) (string, error) {
	state, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode query state: %w", err)
	}
	params := url.Values{}
	params.Set("searchQueryState", string(state))
	params.Set("wants", searchWants)
	params.Set("requestId", strconv.Itoa(rand.IntN(10)+1))
	return c.origin + "/search/GetSearchPageState.htm?" + params.Encode(), nil
}

// QueryRegion asks the search API for one page of results in a region.
func (c *Client) QueryRegion(ctx context.Context, target Target, q query.SearchQuery) (*SearchPageState, error) {
	endpoint, err := c.SearchURL(q)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.Do(ctx, Call{
		Page:     target.Page,
		ProxyURL: target.ProxyURL,
		Method:   http.MethodGet,
		URL:      endpoint,
		Headers: map[string]string{
			"dnt":    "1",
			"accept": "*/*",
		},
		WithCredentials: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &StatusError{URL: c.origin + "/search/GetSearchPageState.htm", Status: resp.Status}
	}
	state, err := ParseSearchPageState(resp.Body)
	if err != nil {
		return nil, err
	}
	if state.QueryState == nil {
		qs := q.Clone()
		state.QueryState = &qs
	}
	return state, nil
}

type detailRequest struct {
	OperationName string          `json:"operationName"`
	Variables     detailVariables `json:"variables"`
	ClientVersion string          `json:"clientVersion"`
	QueryID       string          `json:"queryId"`
}

type detailVariables struct {
	Zpid                       int64          `json:"zpid"`
	ContactFormRenderParameter contactFormArgs `json:"contactFormRenderParameter"`
}

type contactFormArgs struct {
	Zpid           int64  `json:"zpid"`
	Platform       string `json:"platform"`
	IsDoubleScroll bool   `json:"isDoubleScroll"`
}

// FetchItemDetail fetches the full property payload of one listing.
func (c *Client) FetchItemDetail(ctx context.Context, target Target, cred types.Credential, id listing.ItemID) (types.Record, error) {
	if !cred.Valid() {
		return nil, ErrNoCredential
	}
	zpid, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("detail id %q: %w", id, err)
	}
	body, err := json.Marshal(detailRequest{
		OperationName: DetailOperation,
		Variables: detailVariables{
			Zpid:                       zpid,
			ContactFormRenderParameter: contactFormArgs{Zpid: zpid, Platform: "desktop", IsDoubleScroll: true},
		},
		ClientVersion: cred.ClientVersion,
		QueryID:       cred.QueryID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode detail request: %w", err)
	}
	params := url.Values{}
	params.Set("zpid", id.String())
	params.Set("contactFormRenderParameter", "")
	params.Set("queryId", cred.QueryID)
	params.Set("operationName", DetailOperation)
	endpoint := c.origin + "/graphql/?" + params.Encode()

	resp, err := c.transport.Do(ctx, Call{
		Page:     target.Page,
		ProxyURL: target.ProxyURL,
		Method:   http.MethodPost,
		URL:      endpoint,
		Body:     body,
		Headers: map[string]string{
			"dnt":          "1",
			"accept":       "*/*",
			"content-type": "text/plain",
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &StatusError{URL: c.origin + "/graphql/", Status: resp.Status}
	}
	var payload struct {
		Data struct {
			Property types.Record `json:"property"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode detail response for %s: %w", id, err)
	}
	if payload.Data.Property == nil {
		return nil, fmt.Errorf("detail %s: %w", id, ErrNoProperty)
	}
	return payload.Data.Property, nil
}

// InterceptCredential opens a listing card on a search page and captures the queryId and
// clientVersion the page's own detail query uses.
func (c *Client) InterceptCredential(ctx context.Context, page browser.Page) (types.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, c.credentialTimeout)
	defer cancel()

	if err := page.WaitForSelector(ctx, cardLink); err != nil {
		return types.Credential{}, fmt.Errorf("wait for listing card: %w", err)
	}
	if err := page.Click(ctx, cardLink); err != nil {
		return types.Credential{}, fmt.Errorf("open listing card: %w", err)
	}
	req, err := page.WaitForRequest(ctx, func(r browser.Request) bool {
		if !strings.Contains(r.URL, "/graphql") {
			return false
		}
		_, ok := parseDetailCredential(r.PostData)
		return ok
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.Credential{}, ErrNoCredential
		}
		return types.Credential{}, err
	}
	cred, _ := parseDetailCredential(req.PostData)
	c.logger.Info("detail query credential captured", "query_id", cred.QueryID)
	return cred, nil
}

func parseDetailCredential(postData string) (types.Credential, bool) {
	if postData == "" {
		return types.Credential{}, false
	}
	var body struct {
		OperationName string `json:"operationName"`
		QueryID       string `json:"queryId"`
		ClientVersion string `json:"clientVersion"`
	}
	if err := json.Unmarshal([]byte(postData), &body); err != nil {
		return types.Credential{}, false
	}
	if body.OperationName != DetailOperation {
		return types.Credential{}, false
	}
	cred := types.Credential{QueryID: body.QueryID, ClientVersion: body.ClientVersion}
	return cred, cred.Valid()
}
