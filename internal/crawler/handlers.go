package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"homecrawler/internal/backend"
	"homecrawler/internal/browser"
	"homecrawler/internal/frontier"
	"homecrawler/internal/planner"
	"homecrawler/internal/query"
	"homecrawler/internal/session"
	"homecrawler/pkg/types"
)

const (
	searchInput     = "#search-box-input"
	searchButton    = "button#search-icon"
	interstitial    = "#interstitial-title"
	challengeMarker = ".captcha-container"

	redirectTimeout     = 10 * time.Second
	interstitialTimeout = 25 * time.Second
	searchStateTimeout  = 45 * time.Second

	batchFromPage = "page"
	batchFromAPI  = "api"
)

// skipInterstitial clicks the "Skip" button some search interstitials show.
const skipInterstitial = `(() => {
	const button = [...document.querySelectorAll('button')].find((b) => (b.textContent || '').includes('Skip'));
	if (!button) return false;
	button.click();
	return true;
})()`

// task is one item being handled on one session's page.
type task struct {
	item    *frontier.Item
	session session.Session
	page    browser.Page
}

func (t *task) target() backend.Target {
	return backend.Target{Page: t.page, ProxyURL: t.session.ProxyURL()}
}

func (e *Engine) handle(ctx context.Context, item *frontier.Item) error {
	sess, err := e.sessions.Get()
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	page, err := e.opener.Open(ctx, sess.ProxyURL())
	if err != nil {
		sess.MarkBad()
		return fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	t := &task{item: item, session: sess, page: page}
	switch item.Label {
	case frontier.LabelBootstrap:
		err = e.handleBootstrap(ctx, t)
	case frontier.LabelSearch:
		err = e.handleSearch(ctx, t)
	case frontier.LabelQuery:
		err = e.handleQuery(ctx, t)
	case frontier.LabelZpids, frontier.LabelEnrichedZpids:
		err = e.handleBatch(ctx, t)
	case frontier.LabelDetail:
		err = e.handleDetail(ctx, t)
	default:
		err = fmt.Errorf("%w: unknown label %s", ErrNoRetry, item.Label)
	}

	switch {
	case err == nil:
		sess.MarkGood()
	case errors.Is(err, ErrRetire):
		e.retire(sess)
	default:
		sess.MarkBad()
	}
	return err
}

func (e *Engine) retire(sess session.Session) {
	sess.Retire()
	e.throttle.Forget(sess.ID())
}

func (e *Engine) handleBootstrap(ctx context.Context, t *task) error {
	if e.credentialSet() {
		return nil
	}
	release, ok := e.gate.Acquiring()
	if !ok {
		return errors.New("credential acquisition already running")
	}
	defer release()

	if err := t.page.Navigate(ctx, t.item.URL); err != nil {
		return fmt.Errorf("open bootstrap page: %w", err)
	}
	cred, err := e.client.InterceptCredential(ctx, t.page)
	if err != nil {
		if errors.Is(err, backend.ErrNoCredential) {
			return fmt.Errorf("%w: %w", ErrRetire, err)
		}
		return fmt.Errorf("intercept credential: %w", err)
	}
	if !e.gate.Set(cred) {
		e.logger.Debug("credential already set, discarding late acquisition")
		return nil
	}
	if err := e.gate.Persist(ctx, e.kv); err != nil {
		e.logger.Warn("credential not persisted", "error", err)
	}
	e.logger.Info("credential acquired, releasing withheld work",
		"held", e.heldCount(), "concurrency", e.cfg.Worker.Concurrency)
	e.widen()
	return nil
}

func (e *Engine) handleSearch(ctx context.Context, t *task) error {
	if e.ledger.IsOverCap(0) {
		return nil
	}
	if err := t.page.Navigate(ctx, t.item.URL); err != nil {
		return fmt.Errorf("%w: open search page: %w", ErrRetire, err)
	}
	if err := e.submitSearch(ctx, t); err != nil {
		return fmt.Errorf("%w: search %q: %w", ErrRetire, t.item.Term, err)
	}
	return e.extractRegion(ctx, t)
}

func (e *Engine) handleQuery(ctx context.Context, t *task) error {
	if e.ledger.IsOverCap(0) {
		return nil
	}
	if err := t.page.Navigate(ctx, t.item.URL); err != nil {
		return fmt.Errorf("open query page: %w", err)
	}
	if err := checkChallenge(ctx, t.page); err != nil {
		return err
	}
	return e.extractRegion(ctx, t)
}

func (e *Engine) submitSearch(ctx context.Context, t *task) error {
	page := t.page
	before, err := page.CurrentURL(ctx)
	if err != nil {
		return err
	}
	for _, sel := range []string{searchInput, searchButton} {
		if err := page.WaitForSelector(ctx, sel); err != nil {
			return fmt.Errorf("wait for %s: %w", sel, err)
		}
	}
	if err := page.Focus(ctx, searchInput); err != nil {
		return err
	}
	if err := page.Type(ctx, searchInput, t.item.Term); err != nil {
		return err
	}
	if err := page.Click(ctx, searchButton); err != nil {
		return err
	}

	landed, err := waitForURLChange(ctx, page, before, redirectTimeout)
	if err != nil {
		shown, _ := page.Exists(ctx, interstitial)
		if !shown {
			return fmt.Errorf("search did not redirect: %w", err)
		}
		var clicked bool
		if err := page.Evaluate(ctx, skipInterstitial, &clicked); err != nil {
			return fmt.Errorf("skip interstitial: %w", err)
		}
		if !clicked {
			return errors.New("interstitial without a skip button")
		}
		if landed, err = waitForURLChange(ctx, page, before, interstitialTimeout); err != nil {
			return fmt.Errorf("search did not redirect after interstitial: %w", err)
		}
	}
	if !query.IsSearchResultURL(landed) {
		return fmt.Errorf("search landed on unexpected url %s", landed)
	}
	return checkChallenge(ctx, page)
}

func checkChallenge(ctx context.Context, page browser.Page) error {
	blocked, err := page.Exists(ctx, challengeMarker)
	if err != nil {
		return fmt.Errorf("challenge check: %w", err)
	}
	if blocked {
		return fmt.Errorf("%w: challenge page shown", ErrRetire)
	}
	return nil
}

func waitForURLChange(ctx context.Context, page browser.Page, from string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		current, err := page.CurrentURL(ctx)
		if err != nil {
			return "", err
		}
		if current != "" && current != from {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// awaitSearchState returns the search response the page fetched while loading, if one arrived.
func (e *Engine) awaitSearchState(ctx context.Context, page browser.Page) *backend.SearchPageState {
	ctx, cancel := context.WithTimeout(ctx, searchStateTimeout)
	defer cancel()
	resp, err := page.WaitForResponse(ctx, func(u string, status int) bool {
		return status == 200 && strings.Contains(u, "GetSearchPageState.htm")
	})
	if err != nil {
		e.logger.Debug("no search response observed", "error", err)
		return nil
	}
	state, err := backend.ParseSearchPageState(resp.Body)
	if err != nil {
		e.logger.Debug("unreadable search response", "url", resp.URL, "error", err)
		return nil
	}
	if state.QueryState == nil {
		if u, err := url.Parse(resp.URL); err == nil {
			if raw := u.Query().Get("searchQueryState"); raw != "" {
				if qs, err := query.Parse([]byte(raw)); err == nil {
					state.QueryState = &qs
				}
			}
		}
	}
	return state
}

// extractRegion reads the results of the loaded search page, schedules extraction and, for
// regions the backend truncates, splitting and pagination.
func (e *Engine) extractRegion(ctx context.Context, t *task) error {
	loaded := e.awaitSearchState(ctx, t.page)
	html, err := t.page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read search page: %w", err)
	}
	embedded, err := backend.ReadSearchState(html)
	if err != nil && !errors.Is(err, backend.ErrNoState) {
		e.logger.Debug("unreadable embedded search state", "url", t.item.URL, "error", err)
	}
	pageURL, err := t.page.CurrentURL(ctx)
	if err != nil || pageURL == "" {
		pageURL = t.item.URL
	}

	merged := backend.Merge(nil, e.cfg.Crawl.IncludeRelaxed, embedded, loaded)
	if len(merged.Results) == 0 {
		if merged.Total > 0 {
			return fmt.Errorf("%w: %d results reported but none listed on %s", ErrRetire, merged.Total, pageURL)
		}
		e.logger.Debug("empty region", "url", pageURL)
		return nil
	}

	qs := pickQueryState(t.item.QueryState, loaded, embedded)
	if qs == nil {
		return fmt.Errorf("%w: no query state on %s", ErrRetire, pageURL)
	}

	if err := e.enqueueResults(ctx, query.HashKey(*qs, batchFromPage), e.unseen(merged.Results), pageURL); err != nil {
		return err
	}
	e.logger.Info("region loaded",
		"title", merged.Title,
		"results", len(merged.Results),
		"total", merged.Total,
		"split_count", t.item.SplitCount,
		"page", t.item.PageNumber,
	)

	if t.item.PageNumber == 0 && !merged.ZeroResultsFilter &&
		merged.Total+len(merged.Results) >= e.cfg.Crawl.SplitThreshold {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return e.enqueueSplits(gctx, t, *qs, pageURL) })
		g.Go(func() error { return e.enqueuePages(gctx, t, *qs, pageURL) })
		if err := g.Wait(); err != nil {
			return err
		}
	}

	return e.queryVariants(ctx, t, *qs, pageURL)
}

// pickQueryState prefers the state the backend answered with, then the embedded one, then the
// state the item was created with.
func pickQueryState(fallback *query.SearchQuery, states ...*backend.SearchPageState) *query.SearchQuery {
	for _, st := range states {
		if st != nil && st.QueryState != nil {
			return st.QueryState
		}
	}
	return fallback
}

func (e *Engine) seen(id string) bool {
	return e.ledger.Has(id)
}

func (e *Engine) unseen(results []types.SearchResult) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(results))
	for _, r := range results {
		if r.ID != "" && e.seen(r.ID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// enqueueResults schedules one extraction batch. source is the query hash salted with where the
// results came from, so the page listing and the API answer for the same state stay separate batches.
func (e *Engine) enqueueResults(ctx context.Context, source string, results []types.SearchResult, pageURL string) error {
	if len(results) == 0 || e.ledger.IsOverCap(0) {
		return nil
	}
	_, err := e.enqueue(ctx, frontier.Item{
		URL:       pageURL,
		Label:     frontier.LabelEnrichedZpids,
		UniqueKey: query.QuickHash(zpidsKey, source),
		Results:   results,
	}, true)
	return err
}

func (e *Engine) enqueueSplits(ctx context.Context, t *task, qs query.SearchQuery, pageURL string) error {
	maxLevel := e.cfg.Crawl.MaxLevel
	if maxLevel == 0 || e.ledger.IsOverCap(0) {
		return nil
	}
	if t.item.SplitCount >= maxLevel {
		e.logger.Info("region still truncated at the split ceiling",
			"split_count", t.item.SplitCount, "max_level", maxLevel)
		return nil
	}
	for _, child := range query.Split(qs, e.cfg.Crawl.MaxZoom) {
		if e.ledger.IsOverCap(0) {
			return nil
		}
		child.Pagination = &query.Pagination{}
		target, err := query.WithState(pageURL, child)
		if err != nil {
			return err
		}
		state := child
		if _, err := e.enqueue(ctx, frontier.Item{
			URL:          target,
			Label:        frontier.LabelQuery,
			UniqueKey:    query.HashKey(child),
			SplitCount:   t.item.SplitCount + 1,
			IgnoreFilter: t.item.IgnoreFilter,
			QueryState:   &state,
		}, false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enqueuePages(ctx context.Context, t *task, qs query.SearchQuery, pageURL string) error {
	if t.item.PageNumber > 0 {
		return nil
	}
	for page := 2; page <= e.cfg.Crawl.MaxPages; page++ {
		if e.ledger.IsOverCap(0) {
			return nil
		}
		paged := qs.WithPage(page)
		target, err := query.WithState(pageURL, paged)
		if err != nil {
			return err
		}
		if _, err := e.enqueue(ctx, frontier.Item{
			URL:          target,
			Label:        frontier.LabelQuery,
			UniqueKey:    query.HashKey(paged),
			SplitCount:   t.item.SplitCount,
			PageNumber:   page,
			IgnoreFilter: t.item.IgnoreFilter,
			QueryState:   &paged,
		}, false); err != nil {
			return err
		}
	}
	return nil
}

// queryVariants asks the search API for every filter the result type needs and schedules
// extraction for each answer.
func (e *Engine) queryVariants(ctx context.Context, t *task, qs query.SearchQuery, pageURL string) error {
	resultType := e.resultType
	if t.item.IgnoreFilter {
		resultType = planner.TypePassThrough
	}
	variants, err := planner.Plan(qs.WithPage(max(t.item.PageNumber, 1)), resultType)
	if err != nil {
		return fmt.Errorf("%w: plan queries: %w", ErrNoRetry, err)
	}
	for _, variant := range variants {
		if e.ledger.IsOverCap(0) {
			return nil
		}
		if err := e.throttle.Wait(ctx, t.session.ID()); err != nil {
			return err
		}
		state, err := e.client.QueryRegion(ctx, t.target(), variant)
		if err != nil {
			var status *backend.StatusError
			if errors.As(err, &status) && status.Blocked() {
				return fmt.Errorf("%w: %w", ErrRetire, err)
			}
			return fmt.Errorf("query region: %w", err)
		}
		merged := backend.Merge(e.seen, e.cfg.Crawl.IncludeRelaxed, state)
		if merged.Total == 0 && len(merged.Results) == 0 {
			continue
		}
		if err := e.enqueueResults(ctx, query.HashKey(variant, batchFromAPI), merged.Results, pageURL); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleBatch(ctx context.Context, t *task) error {
	results := t.item.Results
	if t.item.Label == frontier.LabelZpids {
		results = make([]types.SearchResult, 0, len(t.item.IDs))
		for _, id := range t.item.IDs {
			results = append(results, types.SearchResult{ID: id})
		}
	}
	if len(results) == 0 || e.ledger.IsOverCap(0) {
		return nil
	}
	if err := t.page.Navigate(ctx, t.item.URL); err != nil {
		return fmt.Errorf("open batch page: %w", err)
	}

	pageErrors := false
	for i, r := range results {
		if e.ledger.IsOverCap(0) || e.rejected.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.processZpid(ctx, t, r) {
			pageErrors = true
		}
		if i < len(results)-1 && e.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.pause):
			}
		}
	}
	if pageErrors {
		e.retire(t.session)
	}
	return nil
}

func (e *Engine) handleDetail(ctx context.Context, t *task) error {
	if e.ledger.IsOverCap(0) {
		return nil
	}
	if err := t.page.Navigate(ctx, t.item.URL); err != nil {
		return fmt.Errorf("open detail page: %w", err)
	}
	if err := checkChallenge(ctx, t.page); err != nil {
		return err
	}
	html, err := t.page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read detail page: %w", err)
	}
	state, err := backend.ReadDetailState(html)
	if err != nil && !errors.Is(err, backend.ErrNoState) {
		return fmt.Errorf("%w: %w", ErrRetire, err)
	}

	if isBuildingItem(t.item) {
		if state == nil || state.BuildingID == "" {
			return fmt.Errorf("%w: listing id not found on %s", ErrNoRetry, t.item.URL)
		}
		target := query.DetailURL(state.BuildingID)
		_, err := e.enqueue(ctx, frontier.Item{
			URL:       target,
			Label:     frontier.LabelDetail,
			UniqueKey: target,
			ID:        state.BuildingID,
		}, true)
		return err
	}

	if state == nil || len(state.Property) == 0 {
		return fmt.Errorf("%w: no property data on %s", ErrRetire, t.item.URL)
	}
	var id any = t.item.ID
	if t.item.ID == "" {
		id = state.Property["zpid"]
	}
	res, ok := e.ledger.Reserve(id)
	if !ok {
		e.logger.Debug("detail skipped", "id", id)
		return nil
	}
	defer res.Release()
	return e.emit(ctx, res, state.Property)
}

// isBuildingItem reports whether a detail item points at a building page rather than a unit.
func isBuildingItem(item *frontier.Item) bool {
	if strings.Contains(item.URL, "/b/") {
		return true
	}
	if item.ID == "" {
		return false
	}
	for _, r := range item.ID {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}
