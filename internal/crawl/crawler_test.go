package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/frontier"
	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/politeness"
	"github.com/nine-one-six-systems/prospector/internal/progress"
	"github.com/nine-one-six-systems/prospector/internal/storage/memory"
)

// fakeFetcher serves canned HTML keyed by URL path.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	broken  bool
	browser bool
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) intel.PageResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, rawURL)
	if f.broken {
		return intel.PageResult{RequestedURL: rawURL, Err: errors.New("fetcher down")}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return intel.PageResult{RequestedURL: rawURL, Err: err}
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	html, ok := f.pages[p]
	if !ok {
		return intel.PageResult{RequestedURL: rawURL, StatusCode: http.StatusNotFound}
	}
	return intel.PageResult{
		RequestedURL: rawURL,
		StatusCode:   http.StatusOK,
		HTML:         []byte(html),
		UsedBrowser:  f.browser,
	}
}

func (f *fakeFetcher) FetchMultiple(ctx context.Context, urls []string) []intel.PageResult {
	out := make([]intel.PageResult, len(urls))
	for i, u := range urls {
		out[i] = f.Fetch(ctx, u)
	}
	return out
}

func (f *fakeFetcher) Shutdown(context.Context) error { return nil }

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// noopRegistry satisfies CheckpointRegistry without a lifecycle machine.
type noopRegistry struct{}

func (noopRegistry) RegisterCheckpointer(string, func() intel.Checkpoint) func() {
	return func() {}
}

type crawlFixture struct {
	crawler  *Crawler
	sessions *memory.SessionStore
	pages    *memory.PageStore
	blobs    *memory.BlobStore
	browser  *fakeFetcher
	fallback *fakeFetcher
	cache    *progress.MemoryCache
	site     *httptest.Server
}

// newCrawlFixture stands up a crawler whose robots/sitemap requests hit a
// real test server while page fetches go through fake fetchers.
func newCrawlFixture(t *testing.T, pages map[string]string) *crawlFixture {
	t.Helper()
	site := httptest.NewServer(http.HandlerFunc(http.NotFound))
	t.Cleanup(site.Close)

	f := &crawlFixture{
		sessions: memory.NewSessionStore(),
		pages:    memory.NewPageStore(),
		blobs:    memory.NewBlobStore(),
		browser:  &fakeFetcher{pages: pages, browser: true},
		fallback: &fakeFetcher{pages: pages},
		cache:    progress.NewMemoryCache(),
		site:     site,
	}
	limiter := politeness.NewRateLimiter(time.Millisecond)
	robots := politeness.NewRobots("prospector-bot/1.0", time.Hour, limiter, zap.NewNop())
	seeder := frontier.NewSeeder("prospector-bot/1.0", zap.NewNop())
	f.crawler = New(
		f.sessions, f.pages, f.blobs, f.browser, f.fallback,
		robots, limiter, seeder, f.cache, noopRegistry{},
		&seqIDs{}, &tickClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		zap.NewNop(), Config{CheckpointEvery: 2},
	)
	return f
}

func (f *crawlFixture) company(id string) intel.Company {
	return intel.Company{
		ID:     id,
		Name:   "Acme",
		URL:    f.site.URL,
		Status: intel.StatusInProgress,
		Phase:  intel.PhaseCrawling,
		Config: intel.CompanyConfig{MaxPages: 10, MaxDepth: 3},
	}
}

func TestRunCrawlsSiteAndCompletesSession(t *testing.T) {
	t.Parallel()
	f := newCrawlFixture(t, map[string]string{
		"/":      `<html><head><title>Acme</title></head><body><a href="/about">About</a><a href="/team">Team</a></body></html>`,
		"/about": `<html><head><title>About Acme</title></head><body><p>We build widgets.</p></body></html>`,
		"/team":  `<html><head><title>Team</title></head><body><p>Four people.</p></body></html>`,
	})
	ctx := context.Background()

	require.NoError(t, f.crawler.Run(ctx, f.company("c1")))

	snapshots, err := f.pages.PagesForCompany(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshots, 3)

	_, ok, err := f.sessions.ActiveForCompany(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok, "session must not remain active")

	// The completed session keeps its final checkpoint and counters.
	stored, err := f.sessions.Get(ctx, "id-1")
	require.NoError(t, err)
	require.Equal(t, intel.SessionCompleted, stored.Status)
	require.Equal(t, 3, stored.PagesCrawled)
	require.NotNil(t, stored.Checkpoint)
	require.Len(t, stored.Checkpoint.Crawled, 3)

	// Raw HTML landed in blob storage and the snapshot points at it.
	for _, snap := range snapshots {
		require.NotEmpty(t, snap.HTMLURI)
		require.Equal(t, "browser", snap.FetchedVia)
		require.NotEmpty(t, snap.Text)
	}

	p, ok, err := f.cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, p.PagesCrawled)
}

func TestRunFallsBackToPlainHTTP(t *testing.T) {
	t.Parallel()
	f := newCrawlFixture(t, map[string]string{
		"/": `<html><body><p>hello</p></body></html>`,
	})
	f.browser.broken = true
	ctx := context.Background()

	require.NoError(t, f.crawler.Run(ctx, f.company("c1")))

	snapshots, err := f.pages.PagesForCompany(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, "http", snapshots[0].FetchedVia)
	require.Positive(t, f.fallback.fetchCount())
}

func TestRunSkipsUnfetchablePages(t *testing.T) {
	t.Parallel()
	f := newCrawlFixture(t, map[string]string{
		"/": `<html><body><a href="/missing">gone</a></body></html>`,
	})
	ctx := context.Background()

	require.NoError(t, f.crawler.Run(ctx, f.company("c1")))

	snapshots, err := f.pages.PagesForCompany(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshots, 1, "the 404 page is skipped, the crawl continues")
}

func TestRunRejectsInvalidCompanyURL(t *testing.T) {
	t.Parallel()
	f := newCrawlFixture(t, nil)
	company := f.company("c1")
	company.URL = "not a url"

	err := f.crawler.Run(context.Background(), company)
	require.True(t, intel.IsPermanent(err))
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	f := newCrawlFixture(t, map[string]string{
		"/":        `<html><body>root</body></html>`,
		"/about":   `<html><body>about</body></html>`,
		"/pricing": `<html><body>pricing</body></html>`,
	})
	ctx := context.Background()

	// A paused session holding a checkpoint: root already crawled, two pages
	// still pending.
	cp := intel.Checkpoint{
		Version: intel.CheckpointVersion,
		Pending: []intel.FrontierEntry{
			{URL: f.site.URL + "/about", Depth: 1},
			{URL: f.site.URL + "/pricing", Depth: 1},
		},
		Crawled:      []string{f.site.URL + "/"},
		PagesCrawled: 1,
		SavedAt:      time.Now(),
	}
	require.NoError(t, f.sessions.Create(ctx, intel.CrawlSession{
		ID:           "resume-1",
		CompanyID:    "c1",
		Status:       intel.SessionPaused,
		PagesCrawled: 1,
		Checkpoint:   &cp,
		StartedAt:    time.Now(),
	}))

	require.NoError(t, f.crawler.Run(ctx, f.company("c1")))

	// Only the pending pages were fetched; the crawled root was not refetched.
	snapshots, err := f.pages.PagesForCompany(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	for _, snap := range snapshots {
		require.NotEqual(t, f.site.URL+"/", snap.URL)
	}

	stored, err := f.sessions.Get(ctx, "resume-1")
	require.NoError(t, err)
	require.Equal(t, intel.SessionCompleted, stored.Status)
	require.Equal(t, 3, stored.PagesCrawled)
}

func TestRunStartsFreshWhenCheckpointUnusable(t *testing.T) {
	t.Parallel()
	f := newCrawlFixture(t, map[string]string{
		"/": `<html><body>root</body></html>`,
	})
	ctx := context.Background()

	require.NoError(t, f.sessions.Create(ctx, intel.CrawlSession{
		ID:         "stale-1",
		CompanyID:  "c1",
		Status:     intel.SessionPaused,
		Checkpoint: &intel.Checkpoint{Version: 99},
		StartedAt:  time.Now(),
	}))

	require.NoError(t, f.crawler.Run(ctx, f.company("c1")))

	// A new session was created instead of resuming the unusable one.
	stored, err := f.sessions.Get(ctx, "id-1")
	require.NoError(t, err)
	require.Equal(t, intel.SessionCompleted, stored.Status)
	require.Equal(t, 1, stored.PagesCrawled)
}

func TestRunObeysMaxPages(t *testing.T) {
	t.Parallel()
	pages := map[string]string{
		"/": `<html><body><a href="/p1">1</a><a href="/p2">2</a><a href="/p3">3</a><a href="/p4">4</a></body></html>`,
	}
	for _, p := range []string{"/p1", "/p2", "/p3", "/p4"} {
		pages[p] = `<html><body>page</body></html>`
	}
	f := newCrawlFixture(t, pages)
	company := f.company("c1")
	company.Config.MaxPages = 3
	ctx := context.Background()

	require.NoError(t, f.crawler.Run(ctx, company))

	snapshots, err := f.pages.PagesForCompany(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
}

func TestRunReturnsErrorOnCancellation(t *testing.T) {
	t.Parallel()
	f := newCrawlFixture(t, map[string]string{
		"/": `<html><body>root</body></html>`,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.crawler.Run(ctx, f.company("c1"))
	require.Error(t, err)
	require.False(t, intel.IsPermanent(err), "shutdown is not a company failure")

	// The interrupted session stays active and keeps the checkpoint written
	// on the way out, so a restart resumes instead of starting over.
	stored, err := f.sessions.Get(context.Background(), "id-1")
	require.NoError(t, err)
	require.Equal(t, intel.SessionActive, stored.Status)
	require.NotNil(t, stored.Checkpoint)
	require.NotEmpty(t, stored.Checkpoint.Pending)
}
