package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/geupmae/internal/clock"
	"github.com/rewired-gh/geupmae/internal/governor"
	"github.com/rewired-gh/geupmae/internal/models"
)

var epoch = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

var testAgents = []string{"agent-a", "agent-b", "agent-c"}

var testTile = Tile{Bounds: models.Bounds{South: 37.50, West: 127.00, North: 37.52, East: 127.025}}

// upstream is a scripted listings server. respond picks the status for the
// n-th request (1-based); 200 responses serve page p of pages.
type upstream struct {
	mu       sync.Mutex
	requests int
	queries  []url.Values
	agents   map[string]int
	referers map[string]int

	pages   int
	respond func(n int) int
	article func(page, i int) map[string]any
	perPage int
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.requests++
	n := u.requests
	u.queries = append(u.queries, r.URL.Query())
	u.agents[r.Header.Get("User-Agent")]++
	u.referers[r.Header.Get("Referer")]++
	u.mu.Unlock()

	status := http.StatusOK
	if u.respond != nil {
		status = u.respond(n)
	}
	if status >= 300 && status < 400 {
		http.Redirect(w, r, "/captcha", status)
		return
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	body := []map[string]any{}
	for i := 0; i < u.perPage; i++ {
		body = append(body, u.article(page, i))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": "success",
		"more": page < u.pages,
		"body": body,
	})
}

func (u *upstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests
}

func defaultArticle(page, i int) map[string]any {
	return map[string]any{
		"atclNo":       fmt.Sprintf("24%04d%02d", page, i),
		"hscpNo":       "1147",
		"atclNm":       "래미안대치팰리스",
		"tradTpCd":     "A1",
		"prc":          250000 + page,
		"spc2":         "84.97",
		"flrInfo":      "12/35",
		"direction":    "남향",
		"atclFetrDesc": "급매 <b>역세권</b>",
		"atclCfmYmd":   "26.09.30",
		"lat":          37.505,
		"lng":          127.01,
		"rltrNm":       "대치공인",
	}
}

func newUpstream(t *testing.T, pages int) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{
		pages:    pages,
		perPage:  1,
		article:  defaultArticle,
		agents:   map[string]int{},
		referers: map[string]int{},
	}
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	return u, srv
}

func testGovernorConfig() governor.Config {
	return governor.Config{
		StartDelay:    2 * time.Second,
		MinDelay:      time.Second,
		MaxDelay:      10 * time.Second,
		Step:          500 * time.Millisecond,
		Jitter:        0,
		SuccessStreak: 1000,
		ProbeInterval: 30 * time.Second,
		MaxBlockWait:  10 * time.Minute,
		CoolDown:      5 * time.Minute,
		MaxOverruns:   3,
	}
}

type harness struct {
	crawler *Crawler
	gov     *governor.Governor
	clock   *clock.Fake
	seen    map[governor.Outcome]int
}

func newHarness(t *testing.T, srv *httptest.Server, gcfg governor.Config, cfg Config) *harness {
	t.Helper()
	fc := clock.NewFake(epoch)
	client := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		EstateType: "APT",
		Referer:    "https://m.land.example/",
		Timeout:    5 * time.Second,
		UserAgents: testAgents,
	}, rand.New(rand.NewSource(7)))
	gov := governor.New(gcfg, fc, rand.New(rand.NewSource(42)))
	h := &harness{gov: gov, clock: fc, seen: map[governor.Outcome]int{}}
	h.crawler = New(client, gov, fc, cfg)
	h.crawler.OnRequest = func(o governor.Outcome) { h.seen[o]++ }
	return h
}

func countSleeps(fc *clock.Fake, d time.Duration) int {
	n := 0
	for _, s := range fc.Sleeps() {
		if s == d {
			n++
		}
	}
	return n
}

func TestCrawlUnit_FullModeReadsEveryPage(t *testing.T) {
	up, srv := newUpstream(t, 3)
	up.perPage = 2
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxRetries: 2, MaxPages: 10})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Equal(t, 3, res.Pages)
	assert.Len(t, res.Snapshots, 6)
	assert.Equal(t, 3, up.count())

	q := up.queries[0]
	assert.Equal(t, "APT", q.Get("rletTpCd"))
	assert.Equal(t, "A1", q.Get("tradTpCd"))
	assert.Equal(t, "37.5000000", q.Get("btm"))
	assert.Equal(t, "37.5200000", q.Get("top"))
	assert.Equal(t, "127.0000000", q.Get("lft"))
	assert.Equal(t, "127.0250000", q.Get("rgt"))
	assert.Equal(t, "1", q.Get("page"))
	assert.Empty(t, q.Get("sort"))
	assert.Equal(t, 3, up.referers["https://m.land.example/"])

	for agent := range up.agents {
		assert.Contains(t, testAgents, agent)
	}
	// every request was paced at the start delay
	assert.Equal(t, 3, countSleeps(h.clock, 2*time.Second))
}

func TestCrawlUnit_BlockMidTileRecoversAndCompletes(t *testing.T) {
	// 30 pages; request 5 is blocked, the third probe succeeds
	up, srv := newUpstream(t, 30)
	up.respond = func(n int) int {
		if n >= 5 && n <= 7 {
			return http.StatusForbidden
		}
		return http.StatusOK
	}
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxRetries: 2, MaxPages: 50})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	require.NoError(t, res.Err)
	assert.True(t, res.Complete, "a recovered tile is complete")
	assert.Equal(t, 30, res.Pages)
	assert.Len(t, res.Snapshots, 30)
	assert.Equal(t, 33, up.count(), "4 ok + 1 blocked + 3 probes + 25 ok")

	stats := h.gov.Stats()
	assert.Equal(t, governor.StateRunning, stats.State)
	assert.Equal(t, 2500*time.Millisecond, stats.Delay, "resume at prior delay plus one step")
	assert.Equal(t, 2500*time.Millisecond, stats.Floor)
	assert.Equal(t, 1, stats.Blocks)

	assert.Equal(t, 3, countSleeps(h.clock, 30*time.Second), "one probe interval per probe")
	assert.Equal(t, 25, countSleeps(h.clock, 2500*time.Millisecond))
	assert.Equal(t, 3, h.seen[governor.Blocked])
	assert.Equal(t, 30, h.seen[governor.OK])

	// the probe's page is page 5, so no page is lost or duplicated
	ids := map[string]bool{}
	for _, s := range res.Snapshots {
		ids[s.ExternalID] = true
	}
	assert.Len(t, ids, 30)
}

func TestCrawlUnit_RedirectIsABlock(t *testing.T) {
	up, srv := newUpstream(t, 1)
	up.respond = func(n int) int {
		if n == 1 {
			return http.StatusFound
		}
		return http.StatusOK
	}
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxPages: 5})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Equal(t, 1, h.gov.Stats().Blocks)
	assert.Equal(t, 2, up.count(), "redirect must not be followed")
}

func TestCrawlUnit_PersistentBlockDefersTile(t *testing.T) {
	up, srv := newUpstream(t, 1)
	up.respond = func(int) int { return http.StatusTooManyRequests }
	gcfg := testGovernorConfig()
	gcfg.MaxBlockWait = time.Minute
	gcfg.MaxOverruns = 2
	h := newHarness(t, srv, gcfg, Config{Mode: models.ModeFull, MaxPages: 5})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	assert.ErrorIs(t, res.Err, governor.ErrTileDeferred)
	assert.False(t, res.Complete)
	assert.Equal(t, governor.StateTileDeferred, h.gov.Stats().State)
}

func TestCrawlUnit_NetworkErrorsRetryWithBackoff(t *testing.T) {
	up, srv := newUpstream(t, 1)
	up.respond = func(n int) int {
		if n <= 2 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxRetries: 3, RetryDelayBase: time.Second, MaxPages: 5})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	require.NoError(t, res.Err)
	assert.True(t, res.Complete)
	assert.Equal(t, 3, up.count())
	assert.Zero(t, h.gov.Stats().Blocks, "5xx is not a block")
	assert.Equal(t, 1, countSleeps(h.clock, time.Second))
	assert.Equal(t, 4, countSleeps(h.clock, 2*time.Second), "2s backoff plus three paced requests")
}

func TestCrawlUnit_RetriesExhausted(t *testing.T) {
	up, srv := newUpstream(t, 1)
	up.respond = func(int) int { return http.StatusInternalServerError }
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxRetries: 2, RetryDelayBase: time.Second, MaxPages: 5})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	assert.ErrorIs(t, res.Err, ErrRetriesExhausted)
	assert.False(t, res.Complete)
	assert.Equal(t, 3, up.count())
	assert.Equal(t, 3, h.seen[governor.NetworkError])
}

func TestCrawlUnit_IncrementalStopsAtOldPage(t *testing.T) {
	up, srv := newUpstream(t, 10)
	up.article = func(page, i int) map[string]any {
		a := defaultArticle(page, i)
		if page >= 3 {
			a["atclCfmYmd"] = "26.08.01"
		}
		return a
	}
	h := newHarness(t, srv, testGovernorConfig(), Config{
		Mode: models.ModeIncremental, MaxPages: 10, IncrementalWindow: 72 * time.Hour,
	})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	require.NoError(t, res.Err, "an early stop is not an error")
	assert.False(t, res.Complete, "incremental results never license removals")
	assert.Equal(t, 3, res.Pages)
	assert.Len(t, res.Snapshots, 3)
	assert.Equal(t, "dateDesc", up.queries[0].Get("sort"))
}

func TestCrawlUnit_PageGuard(t *testing.T) {
	_, srv := newUpstream(t, 1000)
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxPages: 4})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	require.NoError(t, res.Err)
	assert.Equal(t, 4, res.Pages)
	assert.False(t, res.Complete)
}

func TestCrawlUnit_UnparsableListingMakesUnitPartial(t *testing.T) {
	up, srv := newUpstream(t, 1)
	up.perPage = 2
	up.article = func(page, i int) map[string]any {
		a := defaultArticle(page, i)
		if i == 1 {
			a["hscpNo"] = ""
		}
		return a
	}
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxPages: 4})

	res := h.crawler.CrawlUnit(context.Background(), Unit{Tile: testTile, TradeType: models.TradeSale})

	require.NoError(t, res.Err)
	assert.Len(t, res.Snapshots, 1)
	assert.False(t, res.Complete)
}

func TestCrawl_ResumesAtUnitAndStopsWithConsumer(t *testing.T) {
	_, srv := newUpstream(t, 1)
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxPages: 4})
	plan, err := NewPlan("test", models.Bounds{South: 37.50, West: 127.00, North: 37.54, East: 127.025}, 0.02, 0.025,
		[]models.TradeType{models.TradeSale, models.TradeLease})
	require.NoError(t, err)
	require.Equal(t, 4, plan.Len())

	var got []Unit
	for res := range h.crawler.Crawl(context.Background(), plan, 1) {
		require.NoError(t, res.Err)
		got = append(got, res.Unit)
	}
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, models.TradeLease, got[0].TradeType)
	assert.Equal(t, 1, got[1].Tile.Index)
	assert.Equal(t, models.TradeSale, got[1].TradeType)

	n := 0
	for range h.crawler.Crawl(context.Background(), plan, 0) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestCrawl_StopsOnCancellation(t *testing.T) {
	_, srv := newUpstream(t, 1)
	h := newHarness(t, srv, testGovernorConfig(), Config{Mode: models.ModeFull, MaxPages: 4})
	plan, err := NewPlan("test", models.Bounds{South: 37.50, West: 127.00, North: 37.56, East: 127.025}, 0.02, 0.025,
		[]models.TradeType{models.TradeSale})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var results []TileResult
	for res := range h.crawler.Crawl(ctx, plan, 0) {
		results = append(results, res)
		cancel()
	}
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	res := h.crawler.CrawlUnit(ctx2, plan.Unit(0))
	assert.True(t, errors.Is(res.Err, context.Canceled))
}
