package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecrawler/internal/backend"
	"homecrawler/internal/browser"
	"homecrawler/internal/browser/browsertest"
	"homecrawler/internal/config"
	"homecrawler/internal/frontier"
	"homecrawler/internal/kvstore"
	"homecrawler/internal/ledger"
	"homecrawler/internal/query"
	"homecrawler/internal/session"
	"homecrawler/internal/sink"
	"homecrawler/pkg/types"
)

const listingCard = `a.list-card-link, a[data-test="property-card-link"]`

// region answers a search for one query state.
type region func(q query.SearchQuery) (ids []int, total int)

// fakeBackend serves the search and detail APIs from memory.
type fakeBackend struct {
	region    region
	failIDs   map[string]bool
	refuse    bool
	mu        sync.Mutex
	searches  []query.SearchQuery
	detailIDs []string
}

func (b *fakeBackend) Do(ctx context.Context, call backend.Call) (*browser.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(call.URL)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(u.Path, "GetSearchPageState.htm"):
		qs, err := query.Parse([]byte(u.Query().Get("searchQueryState")))
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.searches = append(b.searches, qs)
		b.mu.Unlock()
		ids, total := b.region(qs)
		return &browser.Response{URL: call.URL, Status: 200, Body: searchState(nil, ids, total)}, nil
	case strings.Contains(u.Path, "/graphql"):
		id := u.Query().Get("zpid")
		b.mu.Lock()
		b.detailIDs = append(b.detailIDs, id)
		b.mu.Unlock()
		if b.refuse {
			return &browser.Response{URL: call.URL, Status: 403}, nil
		}
		if b.failIDs[id] {
			return &browser.Response{URL: call.URL, Status: 500}, nil
		}
		body := fmt.Sprintf(`{"data":{"property":{"zpid":%s,"homeStatus":"FOR_SALE","hdpUrl":"/homedetails/%s_zpid/","price":100}}}`, id, id)
		return &browser.Response{URL: call.URL, Status: 200, Body: []byte(body)}, nil
	}
	return &browser.Response{URL: call.URL, Status: 404}, nil
}

func (b *fakeBackend) searchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.searches)
}

func (b *fakeBackend) details() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.detailIDs...)
}

func searchState(qs *query.SearchQuery, ids []int, total int) []byte {
	results := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		results = append(results, map[string]any{"zpid": id, "detailUrl": fmt.Sprintf("/homedetails/%d_zpid/", id)})
	}
	state := map[string]any{
		"cat1": map[string]any{
			"searchResults": map[string]any{"listResults": results},
			"searchList":    map[string]any{"listResultsTitle": "Homes for sale"},
		},
		"categoryTotals": map[string]any{"cat1": map[string]any{"totalResultCount": total}},
	}
	if qs != nil {
		state["queryState"] = qs
	}
	data, _ := json.Marshal(state)
	return data
}

func searchPage(qs query.SearchQuery, ids []int, total int) string {
	return `<html><body><script type="application/json" data-zrr-shared-data-key="mobileSearchPageStore"><!--` +
		string(searchState(&qs, ids, total)) + `--></script></body></html>`
}

func detailPage(id int) string {
	cache, _ := json.Marshal(map[string]any{
		fmt.Sprintf(`ForSaleDoubleScrollFullRenderQuery{"zpid":%d}`, id): map[string]any{
			"property": map[string]any{"zpid": id, "homeStatus": "FOR_SALE", "price": 5},
		},
	})
	script, _ := json.Marshal(map[string]any{"apiCache": string(cache), "kind": "RenderQuery"})
	return `<html><body><script>` + string(script) + `</script></body></html>`
}

var austin = query.SearchQuery{MapBounds: query.Bounds{West: -98, East: -97, South: 30, North: 31}}

// site scripts the pages a crawl opens.
type site struct {
	region     region
	noCards    bool
	challenge  bool
	detailHTML map[string]string
}

func (s *site) newPage(string) *browsertest.Page {
	p := browsertest.NewPage()
	p.OnNavigate = func(p *browsertest.Page, u string) error {
		switch {
		case u == bootstrapURL:
			if s.noCards {
				return nil
			}
			p.Show(listingCard)
			p.AddRequest(browser.Request{
				URL:      query.Origin + "graphql/",
				Method:   "POST",
				PostData: `{"operationName":"ForSaleDoubleScrollFullRenderQuery","queryId":"q-1","clientVersion":"home-details/1"}`,
			})
		case u == query.Origin:
			p.Show(searchInput, searchButton)
		case strings.Contains(u, "searchQueryState"):
			parsed, _ := url.Parse(u)
			qs, err := query.Parse([]byte(parsed.Query().Get("searchQueryState")))
			if err != nil {
				return err
			}
			ids, total := s.region(qs)
			p.SetHTML(searchPage(qs, ids, total))
		default:
			if html, ok := s.detailHTML[u]; ok {
				p.SetHTML(html)
			}
		}
		return nil
	}
	p.OnClick = func(p *browsertest.Page, sel string) error {
		if sel != searchButton {
			return nil
		}
		landed, err := query.WithState(query.Origin+"homes/Austin,-TX_rb/", austin)
		if err != nil {
			return err
		}
		ids, total := s.region(austin)
		p.SetURL(landed)
		p.SetHTML(searchPage(austin, ids, total))
		if s.challenge {
			p.Show(challengeMarker)
		}
		return nil
	}
	return p
}

type fakeSession struct {
	id      string
	owner   *fakeSessions
	retired atomic.Bool
	bad     atomic.Int32
}

func (s *fakeSession) ID() string       { return s.id }
func (s *fakeSession) ProxyURL() string { return "" }
func (s *fakeSession) IsUsable() bool   { return !s.retired.Load() }
func (s *fakeSession) MarkBad()         { s.bad.Add(1) }
func (s *fakeSession) MarkGood()        {}
func (s *fakeSession) Retire() {
	s.retired.Store(true)
	s.owner.retires.Add(1)
}

type fakeSessions struct {
	mu      sync.Mutex
	current *fakeSession
	created int
	retires atomic.Int32
}

func (f *fakeSessions) Get() (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || f.current.retired.Load() {
		f.created++
		f.current = &fakeSession{id: "session-" + strconv.Itoa(f.created), owner: f}
	}
	return f.current, nil
}

func (f *fakeSessions) Close() error { return nil }

// recordingQueue remembers every item it accepted.
type recordingQueue struct {
	*frontier.MemoryQueue
	mu    sync.Mutex
	added []frontier.Item
}

func (q *recordingQueue) Add(ctx context.Context, item frontier.Item, opts frontier.AddOptions) (frontier.AddResult, error) {
	res, err := q.MemoryQueue.Add(ctx, item, opts)
	if err == nil && !res.WasAlreadyPresent {
		q.mu.Lock()
		q.added = append(q.added, item)
		q.mu.Unlock()
	}
	return res, err
}

func (q *recordingQueue) items(label frontier.Label) []frontier.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []frontier.Item
	for _, it := range q.added {
		if it.Label == label {
			out = append(out, it)
		}
	}
	return out
}

type harness struct {
	cfg      config.Config
	site     *site
	opener   *browsertest.Opener
	backend  *fakeBackend
	queue    *recordingQueue
	kv       *kvstore.MemoryStore
	sink     *sink.Memory
	sessions *fakeSessions
}

func newHarness(t *testing.T, r region) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Search.Terms = []string{"Austin, TX"}
	cfg.Search.Type = "sale"
	cfg.Worker.Concurrency = 2
	cfg.Worker.MaxRetries = 2
	cfg.Worker.RetryBackoff = config.DurationFrom(0)
	cfg.Rendering.CredentialTimeout = config.DurationFrom(time.Second)
	cfg.Crawl.APIRateLimit.Requests = 0

	s := &site{region: r, detailHTML: map[string]string{}}
	return &harness{
		cfg:      cfg,
		site:     s,
		opener:   &browsertest.Opener{NewPage: s.newPage},
		backend:  &fakeBackend{region: r, failIDs: map[string]bool{}},
		queue:    &recordingQueue{MemoryQueue: frontier.NewMemoryQueue()},
		kv:       kvstore.NewMemoryStore(),
		sink:     sink.NewMemory(),
		sessions: &fakeSessions{},
	}
}

func (h *harness) engine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(h.cfg, Deps{
		Opener:    h.opener,
		Transport: h.backend,
		Queue:     h.queue,
		KV:        h.kv,
		Sink:      h.sink,
		Sessions:  h.sessions,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	e.pause = 0
	return e
}

func (h *harness) seedCredential(t *testing.T) {
	t.Helper()
	gate := session.NewGate()
	require.True(t, gate.Set(types.Credential{QueryID: "q-1", ClientVersion: "home-details/1"}))
	require.NoError(t, gate.Persist(context.Background(), h.kv))
}

func (h *harness) visited(u string) bool {
	for _, p := range h.opener.Pages() {
		for _, v := range p.Visited() {
			if v == u {
				return true
			}
		}
	}
	return false
}

func idRange(from, to int) []int {
	ids := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		ids = append(ids, i)
	}
	return ids
}

func runEngine(t *testing.T, e *Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Run(ctx)
}

func TestStraightforwardRun(t *testing.T) {
	h := newHarness(t, func(query.SearchQuery) ([]int, int) { return idRange(1, 60), 60 })
	h.cfg.Crawl.MaxItems = 50
	e := h.engine(t)

	require.NoError(t, runEngine(t, e))

	assert.Len(t, h.queue.items(frontier.LabelBootstrap), 1)
	assert.Equal(t, 1, h.backend.searchCount())
	assert.Empty(t, h.queue.items(frontier.LabelQuery), "no split below the threshold")

	ids := h.sink.IDs()
	assert.Len(t, ids, 50)
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, 50, "every listing is pushed once")
	assert.Equal(t, 50, e.Ledger().Count())

	cred, err := h.kv.Get(context.Background(), session.CredentialKey)
	require.NoError(t, err)
	assert.Contains(t, string(cred), "q-1")

	restored := ledger.New(0)
	n, err := restored.Load(context.Background(), h.kv)
	require.NoError(t, err)
	assert.Equal(t, 50, n, "the ledger is snapshotted on exit")
}

func TestOversizedRegionSplitsOnce(t *testing.T) {
	h := newHarness(t, func(query.SearchQuery) ([]int, int) { return []int{1}, 2000 })
	h.seedCredential(t)
	h.cfg.Crawl.MaxLevel = 1
	h.cfg.Crawl.MaxPages = 3
	h.cfg.Search.Terms = nil
	start, err := query.WithState(query.Origin+"homes/", austin)
	require.NoError(t, err)
	h.cfg.Search.StartURLs = []string{start}
	e := h.engine(t)

	require.NoError(t, runEngine(t, e))

	var splits, rootPages, childPages int
	for _, it := range h.queue.items(frontier.LabelQuery) {
		switch {
		case it.SplitCount > 1:
			t.Fatalf("region split past the ceiling: %+v", it)
		case it.SplitCount == 1 && it.PageNumber == 0:
			splits++
			require.NotNil(t, it.QueryState)
			assert.Equal(t, query.DefaultZoom+1, it.QueryState.Zoom())
			assert.True(t, it.IgnoreFilter)
		case it.SplitCount == 0 && it.PageNumber > 0:
			rootPages++
		case it.SplitCount == 1 && it.PageNumber > 0:
			childPages++
		}
	}
	assert.Equal(t, 4, splits)
	assert.Equal(t, 2, rootPages, "pages 2 and 3 of the original region")
	assert.Equal(t, 8, childPages, "children at the ceiling still paginate")
	assert.Equal(t, []string{"1"}, h.sink.IDs())
}

func TestPageAndAPIResultsAreSeparateBatches(t *testing.T) {
	h := newHarness(t, func(query.SearchQuery) ([]int, int) { return idRange(1, 3), 3 })
	h.backend.region = func(query.SearchQuery) ([]int, int) { return idRange(1, 5), 5 }
	h.seedCredential(t)
	h.cfg.Search.Terms = nil
	everything := austin.Clone()
	everything.FilterState = query.Filter{"isAllHomes": query.Value(true)}
	start, err := query.WithState(query.Origin+"homes/", everything)
	require.NoError(t, err)
	h.cfg.Search.StartURLs = []string{start}
	e := h.engine(t)

	require.NoError(t, runEngine(t, e))

	assert.Equal(t, 1, h.backend.searchCount())
	assert.Len(t, h.queue.items(frontier.LabelEnrichedZpids), 2)
	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "5"}, h.sink.IDs())
}

func TestRepeatedCredentialRefusalsFailFast(t *testing.T) {
	h := newHarness(t, func(query.SearchQuery) ([]int, int) { return idRange(1, 30), 30 })
	h.seedCredential(t)
	h.backend.refuse = true
	h.cfg.Crawl.MaxCredentialFailures = 5
	e := h.engine(t)

	err := runEngine(t, e)
	require.ErrorIs(t, err, ErrCredentialRejected)

	assert.Empty(t, h.sink.IDs())
	assert.LessOrEqual(t, len(h.backend.details()), 5+h.cfg.Worker.Concurrency-1,
		"no detail query starts once the limit is reached")

	found, err := session.NewGate().Load(context.Background(), h.kv)
	require.NoError(t, err)
	assert.False(t, found, "a rejected credential is not reused by the next run")
}

func TestResumedCrawlSkipsLedgerIDs(t *testing.T) {
	h := newHarness(t, func(query.SearchQuery) ([]int, int) { return []int{1, 2, 3}, 3 })
	h.seedCredential(t)
	prior := ledger.New(0)
	prior.Add("1")
	prior.Add("2")
	require.NoError(t, prior.Persist(context.Background(), h.kv))
	e := h.engine(t)

	require.NoError(t, runEngine(t, e))

	assert.Equal(t, []string{"3"}, h.sink.IDs())
	assert.Equal(t, []string{"3"}, h.backend.details())
	assert.Equal(t, 3, e.Ledger().Count())
	assert.Empty(t, h.queue.items(frontier.LabelBootstrap), "a persisted credential skips bootstrap")
}

func TestChallengeRetiresSessionOnce(t *testing.T) {
	h := newHarness(t, func(query.SearchQuery) ([]int, int) { return idRange(1, 5), 5 })
	h.seedCredential(t)
	h.site.challenge = true
	h.cfg.Worker.MaxRetries = 0
	e := h.engine(t)

	require.NoError(t, runEngine(t, e))

	assert.Equal(t, int32(1), h.sessions.retires.Load())
	assert.Zero(t, e.Ledger().Count())
	assert.Empty(t, h.sink.IDs())
	stats := e.Stats(context.Background())
	assert.Equal(t, int64(1), stats.Abandoned)
}

func TestCredentialNeverAcquired(t *testing.T) {
	h := newHarness(t, func(query.SearchQuery) ([]int, int) { return idRange(1, 5), 5 })
	h.site.noCards = true
	h.cfg.Worker.MaxRetries = 1
	e := h.engine(t)

	err := runEngine(t, e)
	require.ErrorIs(t, err, ErrCredentialNeverAcquired)
	assert.False(t, h.visited(query.Origin), "search work waits for the credential")
	assert.Zero(t, h.backend.searchCount())
	assert.Empty(t, h.sink.IDs())
}

func TestBuildingPageResolvesToUnit(t *testing.T) {
	h := newHarness(t, nil)
	h.seedCredential(t)
	building := query.Origin + "b/sunset-towers/"
	h.site.detailHTML[building] = `<script id="__NEXT_DATA__">{"props":{"initialData":{"building":{"zpid":"2077"}}}}</script>`
	h.site.detailHTML[query.DetailURL("2077")] = detailPage(2077)
	h.cfg.Search.Terms = nil
	h.cfg.Search.StartURLs = []string{building}
	e := h.engine(t)

	require.NoError(t, runEngine(t, e))

	details := h.queue.items(frontier.LabelDetail)
	require.Len(t, details, 2)
	assert.Equal(t, query.DetailURL("2077"), details[1].URL)
	assert.Equal(t, []string{"2077"}, h.sink.IDs())
}

func TestDirectIDBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.seedCredential(t)
	h.cfg.Search.Terms = nil
	h.cfg.Search.Zpids = []string{"7", "bogus", "8", "7"}
	e := h.engine(t)

	require.NoError(t, runEngine(t, e))

	assert.ElementsMatch(t, []string{"7", "8"}, h.sink.IDs())
	assert.ElementsMatch(t, []string{"7", "8"}, h.backend.details())
}

func TestProcessZpidStopsAtCap(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Crawl.MaxItems = 3
	e := h.engine(t)
	require.True(t, e.gate.Set(types.Credential{QueryID: "q", ClientVersion: "v"}))
	sess, err := h.sessions.Get()
	require.NoError(t, err)
	tk := &task{item: &frontier.Item{}, session: sess, page: browsertest.NewPage()}

	ctx := context.Background()
	for _, id := range []string{"11", "12", "13", "14"} {
		assert.False(t, e.processZpid(ctx, tk, types.SearchResult{ID: id}))
	}

	assert.True(t, e.Ledger().IsOverCap(0))
	assert.Equal(t, []string{"11", "12", "13"}, h.backend.details(), "no fetch past the cap")
	assert.Equal(t, []string{"11", "12", "13"}, h.sink.IDs())
}

func TestProcessZpidFailureSchedulesDetail(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.failIDs["21"] = true
	e := h.engine(t)
	require.True(t, e.gate.Set(types.Credential{QueryID: "q", ClientVersion: "v"}))
	sess, err := h.sessions.Get()
	require.NoError(t, err)
	tk := &task{item: &frontier.Item{}, session: sess, page: browsertest.NewPage()}

	ctx := context.Background()
	assert.True(t, e.processZpid(ctx, tk, types.SearchResult{ID: "21", DetailURL: "/homedetails/21_zpid/"}))
	assert.False(t, e.processZpid(ctx, tk, types.SearchResult{ID: "0"}), "invalid ids are skipped")
	assert.False(t, e.processZpid(ctx, tk, types.SearchResult{ID: "22", DetailURL: "/b/tower/", Relaxed: true}))

	details := h.queue.items(frontier.LabelDetail)
	require.Len(t, details, 2)
	assert.Equal(t, "21", details[0].UniqueKey)
	assert.Equal(t, query.Origin+"homedetails/21_zpid/", details[0].URL)
	assert.Equal(t, query.Origin+"b/tower/", details[1].URL)

	assert.True(t, e.anyErrors.Load())
	assert.Equal(t, int32(1), sess.(*fakeSession).bad.Load())
	assert.False(t, e.Ledger().Has("21"), "a failed fetch leaves no ledger entry")
	assert.Empty(t, h.sink.IDs())

	claimed, err := h.queue.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "22", claimed.UniqueKey, "corrective items go to the front")
}

func TestStartItems(t *testing.T) {
	h := newHarness(t, nil)
	detail := query.DetailURL("55")
	h.cfg.Search.Zipcodes = []string{"78701"}
	h.cfg.Search.StartURLs = []string{detail}
	h.cfg.Search.Zpids = []string{"9"}
	e := h.engine(t)

	items, err := e.startItems()
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, frontier.LabelSearch, items[0].Label)
	assert.Equal(t, "Austin, TX", items[0].Term)
	assert.Equal(t, "78701", items[1].Term)
	assert.Equal(t, frontier.LabelDetail, items[2].Label)
	assert.Equal(t, "55", items[2].ID)
	assert.Equal(t, frontier.LabelZpids, items[3].Label)
	assert.Equal(t, []string{"9"}, items[3].IDs)

	h.cfg.Search = config.SearchConfig{Type: "all", StartURLs: []string{query.Origin + "austin-tx/sold/"}}
	_, err = h.engine(t).startItems()
	assert.ErrorIs(t, err, query.ErrUnsupportedURL)
}
