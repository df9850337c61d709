// Package browsertest provides a scriptable in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"homecrawler/internal/browser"
)

// ErrNoMatch is returned by waits that find nothing; the fake never blocks.
var ErrNoMatch = errors.New("browsertest: no matching traffic")

// Page is a browser.Page whose DOM is a set of present selectors plus an HTML string.
type Page struct {
	mu        sync.Mutex
	url       string
	html      string
	selectors map[string]bool
	responses []browser.Response
	requests  []browser.Request
	visited   []string
	clicks    []string
	typed     map[string]string
	closed    bool

	// OnNavigate lets a test change the page state when a URL loads.
	OnNavigate func(p *Page, url string) error
	// OnClick lets a test react to clicks.
	OnClick func(p *Page, selector string) error
	// OnEvaluate answers Evaluate calls; the returned value is JSON round-tripped into out.
	OnEvaluate func(p *Page, expr string) (any, error)
}

// NewPage returns an empty page.
func NewPage() *Page {
	return &Page{selectors: make(map[string]bool), typed: make(map[string]string)}
}

// SetURL sets the current URL.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

// SetHTML sets the document returned by HTML.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	p.html = html
	p.mu.Unlock()
}

// Show marks selectors as present.
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	for _, s := range selectors {
		p.selectors[s] = true
	}
	p.mu.Unlock()
}

// Hide marks selectors as absent.
func (p *Page) Hide(selectors ...string) {
	p.mu.Lock()
	for _, s := range selectors {
		delete(p.selectors, s)
	}
	p.mu.Unlock()
}

// AddResponse records an observed response.
func (p *Page) AddResponse(r browser.Response) {
	p.mu.Lock()
	p.responses = append(p.responses, r)
	p.mu.Unlock()
}

// AddRequest records an observed request.
func (p *Page) AddRequest(r browser.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r)
	p.mu.Unlock()
}

// Visited returns every URL passed to Navigate.
func (p *Page) Visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

// Clicks returns every clicked selector.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Typed returns the text typed into a selector.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Navigate(ctx context.Context, u string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = u
	p.visited = append(p.visited, u)
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, u)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.OnEvaluate == nil {
		return fmt.Errorf("browsertest: no evaluate hook for %q", expr)
	}
	value, err := p.OnEvaluate(p, expr)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *Page) WaitForResponse(ctx context.Context, match browser.ResponseMatcher) (*browser.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.responses {
		r := p.responses[i]
		if match(r.URL, r.Status) {
			return &r, nil
		}
	}
	return nil, ErrNoMatch
}

func (p *Page) WaitForRequest(ctx context.Context, match browser.RequestMatcher) (*browser.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.requests {
		r := p.requests[i]
		if match(r) {
			return &r, nil
		}
	}
	return nil, ErrNoMatch
}

func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	ok, err := p.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", selector, browser.ErrNotFound)
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.WaitForSelector(ctx, selector); err != nil {
		return err
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		return hook(p, selector)
	}
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	if err := p.WaitForSelector(ctx, selector); err != nil {
		return err
	}
	p.mu.Lock()
	p.typed[selector] += text
	p.mu.Unlock()
	return nil
}

func (p *Page) Focus(ctx context.Context, selector string) error {
	return p.WaitForSelector(ctx, selector)
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectors[selector], nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Opener hands out pages built by NewPage and remembers the proxies they were opened with.
type Opener struct {
	mu      sync.Mutex
	NewPage func(proxyURL string) *Page
	pages   []*Page
	proxies []string
}

func (o *Opener) Open(ctx context.Context, proxyURL string) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var page *Page
	if o.NewPage != nil {
		page = o.NewPage(proxyURL)
	} else {
		page = NewPage()
	}
	o.mu.Lock()
	o.pages = append(o.pages, page)
	o.proxies = append(o.proxies, proxyURL)
	o.mu.Unlock()
	return page, nil
}

// Pages returns every page opened so far.
func (o *Opener) Pages() []*Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Page(nil), o.pages...)
}

// Proxies returns the proxy each page was opened with.
func (o *Opener) Proxies() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.proxies...)
}

func (o *Opener) Close() error { return nil }
