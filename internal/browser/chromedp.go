package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// Options configures the chromedp launcher.
type Options struct {
	Timeout            time.Duration
	UserAgent          string
	DisableHeadless    bool
	ExecPath           string
	ConcurrentSessions int
	BlockedURLPatterns []string
	Logger             *slog.Logger
}

// Launcher opens chromedp tabs. One browser process is kept per proxy so tabs that share a
// session share its cookies.
type Launcher struct {
	opts      Options
	semaphore chan struct{}
	logger    *slog.Logger

	mu         sync.Mutex
	allocators map[string]*allocator
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLauncher constructs a launcher with bounded concurrency.
func NewLauncher(opts Options) *Launcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		opts:       opts,
		semaphore:  make(chan struct{}, opts.ConcurrentSessions),
		logger:     logger.With("component", "browser"),
		allocators: make(map[string]*allocator),
	}
}

func (l *Launcher) allocatorFor(proxyURL string) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allocators[proxyURL]; ok {
		return a.ctx
	}
	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !l.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(selectUserAgent(l.opts.UserAgent)),
	)
	if proxyURL != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(proxyURL))
	}
	if l.opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(l.opts.ExecPath))
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	l.allocators[proxyURL] = &allocator{ctx: ctx, cancel: cancel}
	return ctx
}

// Open starts a new tab. The caller must Close the page to free its concurrency slot.
func (l *Launcher) Open(ctx context.Context, proxyURL string) (Page, error) {
	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-l.semaphore }

	tabCtx, cancel := chromedp.NewContext(l.allocatorFor(proxyURL))
	p := &chromedpPage{
		ctx:       tabCtx,
		cancel:    cancel,
		release:   release,
		timeout:   l.opts.Timeout,
		logger:    l.logger.With("proxy", redactProxy(proxyURL)),
		pending:   make(map[network.RequestID]*Response),
		changed:   make(chan struct{}),
		bodyCache: make(map[network.RequestID][]byte),
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	setup := []chromedp.Action{network.Enable()}
	if len(l.opts.BlockedURLPatterns) > 0 {
		setup = append(setup, network.SetBlockedURLs(l.opts.BlockedURLPatterns))
	}
	if err := chromedp.Run(tabCtx, setup...); err != nil {
		p.Close()
		return nil, fmt.Errorf("start browser tab: %w", err)
	}
	return p, nil
}

// Close shuts down every browser process.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, a := range l.allocators {
		a.cancel()
		delete(l.allocators, key)
	}
	return nil
}

type chromedpPage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	requests  []Request
	pending   map[network.RequestID]*Response
	finished  []finishedResponse
	bodyCache map[network.RequestID][]byte
	changed   chan struct{}
	closeOnce sync.Once
}

type finishedResponse struct {
	id   network.RequestID
	resp Response
}

func (p *chromedpPage) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		req := Request{URL: e.Request.URL, Method: e.Request.Method}
		if e.Request.HasPostData {
			id := e.RequestID
			go func() {
				var body string
				_ = chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
					data, err := network.GetRequestPostData(id).Do(ctx)
					body = string(data)
					return err
				}))
				req.PostData = body
				p.record(func() { p.requests = append(p.requests, req) })
			}()
			return
		}
		p.record(func() { p.requests = append(p.requests, req) })
	case *network.EventResponseReceived:
		p.record(func() {
			p.pending[e.RequestID] = &Response{URL: e.Response.URL, Status: int(e.Response.Status)}
		})
	case *network.EventLoadingFinished:
		p.record(func() {
			if resp, ok := p.pending[e.RequestID]; ok {
				delete(p.pending, e.RequestID)
				p.finished = append(p.finished, finishedResponse{id: e.RequestID, resp: *resp})
			}
		})
	}
}

// record mutates the observed traffic and wakes waiters.
func (p *chromedpPage) record(fn func()) {
	p.mu.Lock()
	fn()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.bind(ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// bind derives a context on the tab that also ends when ctx or the page timeout ends.
func (p *chromedpPage) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	start := time.Now()
	if err := p.run(ctx, chromedp.Navigate(url), waitForDocumentReady()); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	p.logger.Debug("page loaded", "url", url, "latency_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *chromedpPage) Evaluate(ctx context.Context, expr string, out any) error {
	var raw json.RawMessage
	err := p.run(ctx, chromedp.Evaluate(expr, &raw, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
		return params.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	return nil
}

func (p *chromedpPage) WaitForResponse(ctx context.Context, match ResponseMatcher) (*Response, error) {
	seen := 0
	for {
		p.mu.Lock()
		var hit *finishedResponse
		for i := seen; i < len(p.finished); i++ {
			if match(p.finished[i].resp.URL, p.finished[i].resp.Status) {
				f := p.finished[i]
				hit = &f
				break
			}
		}
		seen = len(p.finished)
		changed := p.changed
		p.mu.Unlock()

		if hit != nil {
			body, err := p.body(ctx, hit.id)
			if err != nil {
				return nil, fmt.Errorf("read response body %s: %w", hit.resp.URL, err)
			}
			resp := hit.resp
			resp.Body = body
			return &resp, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, p.ctx.Err()
		}
	}
}

func (p *chromedpPage) body(ctx context.Context, id network.RequestID) ([]byte, error) {
	p.mu.Lock()
	if cached, ok := p.bodyCache[id]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	var body []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.bodyCache[id] = body
	p.mu.Unlock()
	return body, nil
}

func (p *chromedpPage) WaitForRequest(ctx context.Context, match RequestMatcher) (*Request, error) {
	seen := 0
	for {
		p.mu.Lock()
		var hit *Request
		for i := seen; i < len(p.requests); i++ {
			if match(p.requests[i]) {
				r := p.requests[i]
				hit = &r
				break
			}
		}
		seen = len(p.requests)
		changed := p.changed
		p.mu.Unlock()

		if hit != nil {
			return hit, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, p.ctx.Err()
		}
	}
}

func (p *chromedpPage) WaitForSelector(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

func (p *chromedpPage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *chromedpPage) Type(ctx context.Context, selector, text string) error {
	if err := p.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

func (p *chromedpPage) Focus(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	return nil
}

func (p *chromedpPage) CurrentURL(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

func (p *chromedpPage) Exists(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var found bool
	if err := p.Evaluate(ctx, fmt.Sprintf(`document.querySelector(%s) !== null`, quoted), &found); err != nil {
		return false, err
	}
	return found, nil
}

func (p *chromedpPage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (p *chromedpPage) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.release()
	})
	return nil
}

func selectUserAgent(base string) string {
	if strings.TrimSpace(base) != "" {
		return base
	}
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"
}

func redactProxy(proxyURL string) string {
	if at := strings.LastIndex(proxyURL, "@"); at >= 0 {
		if scheme := strings.Index(proxyURL, "://"); scheme >= 0 && scheme < at {
			return proxyURL[:scheme+3] + "***" + proxyURL[at:]
		}
		return "***" + proxyURL[at:]
	}
	return proxyURL
}

func waitForDocumentReady() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			if readyState != "loading" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
