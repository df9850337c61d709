// Package backend talks to the listing site's search and detail APIs.
package backend

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/publicsuffix"

	"homecrawler/internal/browser"
)

// Call is one backend API request.
type Call struct {
	Page     browser.Page
	ProxyURL string
	Method   string
	URL      string
	Body     []byte
	Headers  map[string]string
	// WithCredentials sends the page's cookies along.
	WithCredentials bool
}

// Transport executes backend calls.
type Transport interface {
	Do(ctx context.Context, call Call) (*browser.Response, error)
}

// PageTransport issues calls with fetch() from inside the page, so they carry the page's
// origin, cookies and fingerprint.
type PageTransport struct{}

type fetchResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

func (PageTransport) Do(ctx context.Context, call Call) (*browser.Response, error) {
	if call.Page == nil {
		return nil, errors.New("page transport needs a page")
	}
	target, _ := json.Marshal(call.URL)
	init := map[string]any{
		"method":      call.Method,
		"headers":     call.Headers,
		"mode":        "cors",
		"credentials": "omit",
	}
	if call.WithCredentials {
		init["credentials"] = "include"
	}
	if len(call.Body) > 0 {
		init["body"] = string(call.Body)
	}
	options, err := json.Marshal(init)
	if err != nil {
		return nil, fmt.Errorf("encode fetch options: %w", err)
	}
	expr := fmt.Sprintf(`(async () => {
		const resp = await fetch(%s, %s);
		return { status: resp.status, body: await resp.text() };
	})()`, target, options)

	var out fetchResult
	if err := call.Page.Evaluate(ctx, expr, &out); err != nil {
		return nil, fmt.Errorf("page fetch %s: %w", call.URL, err)
	}
	return &browser.Response{URL: call.URL, Status: out.Status, Body: []byte(out.Body)}, nil
}

// HTTPOptions configures HTTPTransport.
type HTTPOptions struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// HTTPTransport issues calls with a Go HTTP client. One client with its own cookie jar is kept
// per proxy.
type HTTPTransport struct {
	opts    HTTPOptions
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPTransport constructs an HTTP transport using the provided options.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 * 1024 * 1024
	}
	return &HTTPTransport{opts: opts, clients: make(map[string]*http.Client)}
}

func (t *HTTPTransport) client(proxy string) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[proxy]; ok {
		return c, nil
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if strings.TrimSpace(proxy) != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	c := &http.Client{Timeout: t.opts.Timeout, Transport: transport, Jar: jar}
	t.clients[proxy] = c
	return c, nil
}

func (t *HTTPTransport) Do(ctx context.Context, call Call) (*browser.Response, error) {
	client, err := t.client(call.ProxyURL)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if t.opts.UserAgent != "" {
		req.Header.Set("User-Agent", t.opts.UserAgent)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	if call.Page != nil {
		if ref, err := call.Page.CurrentURL(ctx); err == nil && ref != "" {
			req.Header.Set("Referer", ref)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", call.Method, call.URL, err)
	}
	data, err := t.readBody(resp)
	if err != nil {
		return nil, err
	}
	return &browser.Response{URL: call.URL, Status: resp.StatusCode, Body: data}, nil
}

func (t *HTTPTransport) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, t.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > t.opts.MaxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", t.opts.MaxBodyBytes)
	}
	return body, nil
}
