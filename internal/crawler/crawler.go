// Package crawler drives the listing crawl: bootstrap, search, region splitting and extraction.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"homecrawler/internal/backend"
	"homecrawler/internal/browser"
	"homecrawler/internal/config"
	"homecrawler/internal/frontier"
	"homecrawler/internal/kvstore"
	"homecrawler/internal/ledger"
	"homecrawler/internal/output"
	"homecrawler/internal/planner"
	"homecrawler/internal/query"
	"homecrawler/internal/session"
	"homecrawler/internal/sink"
)

// bootstrapURL is a large results page whose listing cards trigger the detail query.
const bootstrapURL = query.Origin + "homes/Los-Angeles_rb/"

var (
	// ErrRetire marks failures that mean the target flagged the session.
	ErrRetire = errors.New("crawler: session flagged")
	// ErrNoRetry marks item failures that retrying cannot fix.
	ErrNoRetry = errors.New("crawler: not retryable")
	// ErrCredentialNeverAcquired ends a crawl that drained without ever reading the detail query credential.
	ErrCredentialNeverAcquired = errors.New("crawler: the detail query credential was never acquired; " +
		"the proxy group is probably blocked, try different proxies")
	// ErrCredentialRejected ends a crawl whose detail queries were refused too often in a row.
	ErrCredentialRejected = errors.New("crawler: the detail query credential was rejected repeatedly; " +
		"the proxy group is probably blocked, rotate proxies and run again")
)

// SessionSource hands out sessions; session.Pool is the production implementation.
type SessionSource interface {
	Get() (session.Session, error)
	Close() error
}

// Deps are the collaborators an Engine runs against. NewEngine builds them from configuration;
// tests pass fakes.
type Deps struct {
	Opener    browser.Opener
	Transport backend.Transport
	Queue     frontier.Queue
	KV        kvstore.Store
	Sink      sink.Sink
	Transform output.Transform
	// Sessions defaults to a session.Pool sized from configuration.
	Sessions SessionSource
	Logger   *slog.Logger
	// Origin overrides the backend origin.
	Origin string
}

// Engine orchestrates the crawl over the frontier, the ledger and the session pool.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	opener   browser.Opener
	client   *backend.Client
	queue    frontier.Queue
	kv       kvstore.Store
	sink     sink.Sink
	ledger   *ledger.Ledger
	gate     *session.Gate
	sessions SessionSource
	mapper   *output.Mapper
	throttle *Throttle

	resultType planner.ResultType
	pause      time.Duration

	pool        *WorkerPool
	wake        chan struct{}
	halt        chan struct{}
	outstanding atomic.Int64
	timers      sync.WaitGroup

	heldMu sync.Mutex
	held   []*frontier.Item

	draining  atomic.Bool
	rejected  atomic.Bool
	anyErrors atomic.Bool
	startedAt time.Time

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds a crawler engine and its collaborators from configuration.
func NewEngine(ctx context.Context, cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	fail := func(err error) (*Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	launcher := browser.NewLauncher(browser.Options{
		Timeout:            cfg.Rendering.Timeout.Duration,
		UserAgent:          cfg.Rendering.UserAgent,
		DisableHeadless:    cfg.Rendering.DisableHeadless,
		ExecPath:           cfg.Rendering.ExecPath,
		ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		BlockedURLPatterns: cfg.Rendering.BlockedURLPatterns,
		Logger:             logger,
	})
	closers = append(closers, launcher.Close)

	var transport backend.Transport
	switch cfg.Backend.Transport {
	case "http":
		transport = backend.NewHTTPTransport(backend.HTTPOptions{
			UserAgent:    cfg.Rendering.UserAgent,
			Headers:      cfg.Backend.Headers,
			Timeout:      cfg.Backend.RequestTimeout.Duration,
			MaxBodyBytes: cfg.Backend.MaxBodyBytes,
		})
	default:
		transport = backend.PageTransport{}
	}

	var queue frontier.Queue
	switch cfg.Frontier.Backend {
	case "sqlite":
		q, err := frontier.OpenSQLiteQueue(ctx, cfg.Frontier.Path)
		if err != nil {
			return fail(err)
		}
		queue = q
	default:
		queue = frontier.NewMemoryQueue()
	}
	closers = append(closers, queue.Close)

	kv, err := kvstore.Open(ctx, cfg.KV)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, kv.Close)

	out, err := sink.Open(ctx, cfg.Sink, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, out.Close)

	engine, err := New(cfg, Deps{
		Opener:    launcher,
		Transport: transport,
		Queue:     queue,
		KV:        kv,
		Sink:      out,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	engine.closers = closers
	return engine, nil
}

// New builds an engine over explicit collaborators. The caller keeps ownership of them.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Opener == nil || deps.Transport == nil || deps.Queue == nil || deps.KV == nil || deps.Sink == nil {
		return nil, errors.New("crawler: opener, transport, queue, kv and sink are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resultType, err := planner.ParseResultType(cfg.Search.Type)
	if err != nil {
		return nil, err
	}
	window, err := output.ParseDateWindow(cfg.Output.MinDate, cfg.Output.MaxDate, time.Now())
	if err != nil {
		return nil, fmt.Errorf("output date window: %w", err)
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewPool(session.PoolOptions{
			MaxSessions:   cfg.Session.MaxSessions,
			ProxyURLs:     cfg.Session.ProxyURLs,
			MaxErrorScore: cfg.Session.MaxErrorScore,
			Logger:        logger,
		})
	}
	if len(cfg.Search.StartURLs) > 0 && resultType != planner.TypeAll {
		logger.Warn("search type is ignored for start urls; make sure they match the wanted listing status",
			"type", resultType)
	}

	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "crawler"),
		opener: deps.Opener,
		client: backend.NewClient(deps.Transport, backend.ClientOptions{
			Origin:            deps.Origin,
			CredentialTimeout: cfg.Rendering.CredentialTimeout.Duration,
			Logger:            logger,
		}),
		queue:    deps.Queue,
		kv:       deps.KV,
		sink:     deps.Sink,
		ledger:   ledger.New(cfg.Crawl.MaxItems),
		gate:     session.NewGate(),
		sessions: sessions,
		mapper: output.NewMapper(output.Options{
			Simple:     cfg.Output.Simple,
			Type:       resultType,
			IgnoreType: len(cfg.Search.StartURLs) > 0,
			Window:     window,
			Transform:  deps.Transform,
			Logger:     logger,
		}),
		throttle: NewThrottle(RateLimiterSettings{
			Requests: cfg.Crawl.APIRateLimit.Requests,
			Window:   cfg.Crawl.APIRateLimit.Window.Duration,
		}),
		resultType: resultType,
		pause:      100 * time.Millisecond,
		startedAt:  time.Now(),
		wake:       make(chan struct{}, 1),
		halt:       make(chan struct{}),
	}, nil
}

// Ledger exposes the dedup ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Run executes the crawl until the frontier drains, the item cap is reached or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()

	restored, err := e.ledger.Load(ctx, e.kv)
	if err != nil {
		return err
	}
	if restored > 0 {
		e.logger.Info("restored ledger", "items", restored)
	}
	hasCredential, err := e.gate.Load(ctx, e.kv)
	if err != nil {
		return err
	}

	seeds, err := e.startItems()
	if err != nil {
		return err
	}
	for _, item := range seeds {
		if _, err := e.enqueue(ctx, item, false); err != nil {
			return err
		}
	}

	limit := e.cfg.Worker.Concurrency
	if hasCredential {
		e.logger.Info("reusing persisted detail query credential")
	} else {
		limit = 1
		boot := frontier.Item{URL: bootstrapURL, Label: frontier.LabelBootstrap, UniqueKey: uuid.NewString()}
		if _, err := e.enqueue(ctx, boot, true); err != nil {
			return err
		}
	}

	pool, err := NewWorkerPool(ctx, e.cfg.Worker.Concurrency, limit)
	if err != nil {
		return err
	}
	e.pool = pool
	defer pool.Close()

	statsCtx, stopStats := context.WithCancel(ctx)
	go e.reportProgress(statsCtx)

	runErr := e.dispatch(ctx)
	close(e.halt)
	_ = pool.Wait(context.WithoutCancel(ctx))
	e.timers.Wait()
	stopStats()

	if runErr == nil && e.rejected.Load() {
		runErr = ErrCredentialRejected
	}
	if errors.Is(runErr, ErrCredentialRejected) {
		if err := e.gate.Discard(context.WithoutCancel(ctx), e.kv); err != nil {
			e.logger.Warn("rejected credential not discarded", "error", err)
		}
	}

	e.finish(ctx)

	if runErr != nil {
		return runErr
	}
	if _, ok := e.gate.Get(); !ok {
		return ErrCredentialNeverAcquired
	}
	return nil
}

func (e *Engine) finish(ctx context.Context) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.ledger.Persist(persistCtx, e.kv); err != nil {
		e.logger.Error("ledger snapshot failed; a resumed crawl may extract some listings again", "error", err)
	}
	if !e.anyErrors.Load() {
		e.logger.Info("extracted total", "count", e.ledger.Count())
	}
	stats := e.Stats(persistCtx)
	e.logger.Info("crawl finished",
		"extracted", stats.Extracted,
		"handled", stats.Handled,
		"abandoned", stats.Abandoned,
		"pending", stats.Pending,
		"elapsed", time.Since(e.startedAt).Round(time.Second).String(),
	)
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if cerr := e.sessions.Close(); cerr != nil {
			err = cerr
		}
		for i := len(e.closers) - 1; i >= 0; i-- {
			if cerr := e.closers[i](); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func (e *Engine) dispatch(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("context cancelled, shutting down")
			return err
		}
		if e.rejected.Load() {
			return ErrCredentialRejected
		}
		if e.ledger.IsOverCap(0) {
			if e.draining.CompareAndSwap(false, true) {
				e.logger.Info("item cap reached, letting running work finish", "max_items", e.ledger.MaxItems())
			}
			return nil
		}
		if err := e.pool.Acquire(ctx); err != nil {
			return err
		}
		if e.rejected.Load() {
			e.pool.Release()
			return ErrCredentialRejected
		}

		item := e.unhold()
		if item == nil {
			claimed, err := e.queue.Claim(ctx)
			if err != nil {
				e.pool.Release()
				return fmt.Errorf("claim frontier item: %w", err)
			}
			if claimed == nil {
				e.pool.Release()
				done, err := e.idle(ctx)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
				continue
			}
			item = claimed
		}

		if item.Label != frontier.LabelBootstrap && !e.credentialSet() {
			e.hold(item)
			e.pool.Release()
			continue
		}

		e.outstanding.Add(1)
		if err := e.pool.Go(func(ctx context.Context) { e.process(ctx, item) }); err != nil {
			e.outstanding.Add(-1)
			return err
		}
	}
}

// idle waits for running work when the frontier is empty. It reports true once nothing is
// running, nothing is pending and no withheld item can still be released.
func (e *Engine) idle(ctx context.Context) (bool, error) {
	if e.outstanding.Load() == 0 {
		stats, err := e.queue.Stats(ctx)
		if err != nil {
			return false, fmt.Errorf("frontier stats: %w", err)
		}
		if stats.Pending > 0 {
			return false, nil
		}
		if e.heldCount() == 0 || !e.credentialSet() {
			return true, nil
		}
		return false, nil
	}
	select {
	case <-e.wake:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) credentialSet() bool {
	_, ok := e.gate.Get()
	return ok
}

// hold parks an item that needs the credential until bootstrap succeeds.
func (e *Engine) hold(item *frontier.Item) {
	e.heldMu.Lock()
	e.held = append(e.held, item)
	e.heldMu.Unlock()
}

func (e *Engine) unhold() *frontier.Item {
	if !e.credentialSet() {
		return nil
	}
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	if len(e.held) == 0 {
		return nil
	}
	item := e.held[0]
	e.held = e.held[1:]
	return item
}

func (e *Engine) heldCount() int {
	e.heldMu.Lock()
	defer e.heldMu.Unlock()
	return len(e.held)
}

// widen lifts concurrency once the credential is known and releases withheld items.
func (e *Engine) widen() {
	e.pool.SetLimit(e.cfg.Worker.Concurrency)
	e.signal()
}

func (e *Engine) process(ctx context.Context, item *frontier.Item) {
	defer e.signal()

	handleCtx, cancel := context.WithTimeout(ctx, e.cfg.Crawl.HandleTimeout.Or(time.Hour))
	err := e.handle(handleCtx, item)
	cancel()

	queueCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if qerr := e.queue.Complete(queueCtx, item); qerr != nil {
			e.logger.Error("complete item failed", "key", item.Key(), "error", qerr)
		}
		e.outstanding.Add(-1)
	case ctx.Err() != nil:
		if qerr := e.queue.Reclaim(queueCtx, item, err); qerr != nil {
			e.logger.Error("reclaim item failed", "key", item.Key(), "error", qerr)
		}
		e.outstanding.Add(-1)
	case errors.Is(err, ErrNoRetry) || item.Retries >= e.cfg.Worker.MaxRetries:
		e.logger.Warn("giving up on item", "label", item.Label, "url", item.URL, "retries", item.Retries, "error", err)
		if qerr := e.queue.Abandon(queueCtx, item, err); qerr != nil {
			e.logger.Error("abandon item failed", "key", item.Key(), "error", qerr)
		}
		e.outstanding.Add(-1)
	default:
		e.logger.Debug("item failed, retrying", "label", item.Label, "url", item.URL, "retries", item.Retries, "error", err)
		e.retryLater(ctx, item, err)
	}
}

// retryLater puts the item back in the frontier after a backoff. It counts as outstanding until then.
func (e *Engine) retryLater(ctx context.Context, item *frontier.Item, cause error) {
	delay := e.backoff(item.Retries)
	e.timers.Add(1)
	go func() {
		defer e.timers.Done()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.halt:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
		if err := e.queue.Reclaim(context.WithoutCancel(ctx), item, cause); err != nil {
			e.logger.Error("reclaim item failed", "key", item.Key(), "error", err)
		}
		e.outstanding.Add(-1)
		e.signal()
	}()
}

func (e *Engine) backoff(retries int) time.Duration {
	base := e.cfg.Worker.RetryBackoff.Duration
	if base <= 0 {
		return 0
	}
	delay := base << min(retries, 5)
	return min(delay, time.Minute)
}

func (e *Engine) enqueue(ctx context.Context, item frontier.Item, forefront bool) (frontier.AddResult, error) {
	res, err := e.queue.Add(ctx, item, frontier.AddOptions{Forefront: forefront})
	if err != nil {
		return res, fmt.Errorf("enqueue %s %s: %w", item.Label, item.URL, err)
	}
	if res.WasAlreadyPresent {
		e.logger.Debug("already enqueued", "label", item.Label, "key", res.UniqueKey)
	} else {
		e.signal()
	}
	return res, nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
