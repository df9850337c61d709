// Package browser drives the headless pages the crawler reads listing data from.
package browser

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a selector matches nothing.
var ErrNotFound = errors.New("browser: element not found")

// Response is a network response observed on a page.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// Request is a network request observed on a page.
type Request struct {
	URL      string
	Method   string
	PostData string
}

// ResponseMatcher selects a response by its URL and status before its body is read.
type ResponseMatcher func(url string, status int) bool

// RequestMatcher selects an outgoing request.
type RequestMatcher func(Request) bool

// Page is one browser tab bound to a session's network identity. Waits observe traffic that
// happened since the page opened, so a response that arrived before the wait is still found.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs expr in the page and decodes its value into out. Promises are awaited.
	Evaluate(ctx context.Context, expr string, out any) error
	WaitForResponse(ctx context.Context, match ResponseMatcher) (*Response, error)
	WaitForRequest(ctx context.Context, match RequestMatcher) (*Request, error)
	WaitForSelector(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Focus(ctx context.Context, selector string) error
	CurrentURL(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Opener opens pages that route through a proxy. An empty proxy means a direct connection.
type Opener interface {
	Open(ctx context.Context, proxyURL string) (Page, error)
	Close() error
}
