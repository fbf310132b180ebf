package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/fetch"
	"github.com/nine-one-six-systems/prospector/internal/frontier"
	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/politeness"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

// Config controls crawl behavior shared across companies.
type Config struct {
	// CheckpointEvery is the opportunistic checkpoint interval in pages.
	CheckpointEvery int
}

func (c Config) withDefaults() Config {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	return c
}

// CheckpointRegistry lets a live crawl expose a synchronous snapshot hook so
// a pause captures the exact frontier state rather than the last
// opportunistic checkpoint.
type CheckpointRegistry interface {
	RegisterCheckpointer(companyID string, fn func() intel.Checkpoint) func()
}

// Crawler drives the crawl phase for one company at a time: it walks the
// frontier, fetches pages through the browser pool (falling back to plain
// HTTP), stores snapshots, and checkpoints progress.
type Crawler struct {
	sessions  intel.SessionStore
	pageStore intel.PageStore
	blobs     intel.BlobStore
	browser   intel.Fetcher
	fallback  intel.Fetcher
	robots    *politeness.Robots
	limiter   *politeness.RateLimiter
	seeder    *frontier.Seeder
	progress  intel.ProgressCache
	registry  CheckpointRegistry
	idGen     intel.IDGenerator
	clock     intel.Clock
	logger    *zap.Logger
	cfg       Config
}

// New wires a Crawler from its collaborators.
func New(
	sessions intel.SessionStore,
	pageStore intel.PageStore,
	blobs intel.BlobStore,
	browser intel.Fetcher,
	fallback intel.Fetcher,
	robots *politeness.Robots,
	limiter *politeness.RateLimiter,
	seeder *frontier.Seeder,
	progress intel.ProgressCache,
	registry CheckpointRegistry,
	idGen intel.IDGenerator,
	clock intel.Clock,
	logger *zap.Logger,
	cfg Config,
) *Crawler {
	return &Crawler{
		sessions:  sessions,
		pageStore: pageStore,
		blobs:     blobs,
		browser:   browser,
		fallback:  fallback,
		robots:    robots,
		limiter:   limiter,
		seeder:    seeder,
		progress:  progress,
		registry:  registry,
		idGen:     idGen,
		clock:     clock,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Run executes the crawl phase for the company. A paused session with a
// checkpoint resumes where it left off; otherwise a fresh session starts
// from the company URL plus any sitemap seeds. Run returns nil when the
// frontier is exhausted or the session time limit expires, and an error for
// conditions the dispatcher should retry or fail.
func (c *Crawler) Run(ctx context.Context, company intel.Company) error {
	fcfg, err := frontierConfig(company)
	if err != nil {
		return intel.Permanent(fmt.Errorf("invalid crawl configuration for company %s: %w", company.ID, err))
	}

	session, f, err := c.openSession(ctx, company, fcfg)
	if err != nil {
		return err
	}

	deregister := c.registry.RegisterCheckpointer(company.ID, func() intel.Checkpoint {
		return f.Snapshot(c.clock.Now())
	})
	defer deregister()

	crawlCtx := ctx
	if limit := company.Config.TimeLimitMinutes; limit > 0 {
		var cancel context.CancelFunc
		crawlCtx, cancel = context.WithTimeout(ctx, time.Duration(limit)*time.Minute)
		defer cancel()
	}

	timedOut, err := c.loop(crawlCtx, company, session, f)
	if err != nil {
		// Shutdown or pause: leave the session for resume with a fresh
		// checkpoint. The lifecycle layer owns the session status.
		c.saveCheckpoint(context.WithoutCancel(ctx), session, f)
		return err
	}

	final := intel.SessionCompleted
	if timedOut {
		final = intel.SessionTimeout
	}
	c.saveCheckpoint(ctx, session, f)
	if err := c.sessions.SetStatus(ctx, session.ID, final); err != nil {
		return fmt.Errorf("failed to close crawl session %s: %w", session.ID, err)
	}

	crawled, queued, depth, external := f.Stats()
	c.logger.Info("Crawl finished",
		zap.String("company_id", company.ID),
		zap.String("session_id", session.ID),
		zap.String("session_status", string(final)),
		zap.Int("pages_crawled", crawled),
		zap.Int("pages_queued", queued),
		zap.Int("depth_reached", depth),
		zap.Int("external_links_followed", external))
	return nil
}

// openSession resumes the company's paused session when it carries a usable
// checkpoint, otherwise creates a new session seeded from the company URL.
func (c *Crawler) openSession(ctx context.Context, company intel.Company, fcfg frontier.Config) (intel.CrawlSession, *frontier.Frontier, error) {
	existing, ok, err := c.sessions.ActiveForCompany(ctx, company.ID)
	if err != nil {
		return intel.CrawlSession{}, nil, fmt.Errorf("failed to look up crawl session: %w", err)
	}
	if ok && existing.Checkpoint != nil {
		f, err := frontier.Restore(fcfg, *existing.Checkpoint)
		if err != nil {
			c.logger.Warn("Checkpoint unusable, starting crawl over",
				zap.String("company_id", company.ID),
				zap.String("session_id", existing.ID),
				zap.Error(err))
		} else {
			if err := c.sessions.SetStatus(ctx, existing.ID, intel.SessionActive); err != nil {
				return intel.CrawlSession{}, nil, fmt.Errorf("failed to reactivate crawl session %s: %w", existing.ID, err)
			}
			existing.Status = intel.SessionActive
			c.logger.Info("Resuming crawl from checkpoint",
				zap.String("company_id", company.ID),
				zap.String("session_id", existing.ID),
				zap.Int("pages_crawled", existing.Checkpoint.PagesCrawled),
				zap.Int("pending", len(existing.Checkpoint.Pending)))
			return existing, f, nil
		}
	}

	f, err := frontier.New(fcfg)
	if err != nil {
		return intel.CrawlSession{}, nil, intel.Permanent(err)
	}
	if _, err := f.Add(company.URL, 0, ""); err != nil {
		return intel.CrawlSession{}, nil, intel.Permanent(fmt.Errorf("company URL rejected: %w", err))
	}
	seeds := c.seeder.Seed(ctx, f, company.URL, c.robots.Sitemaps(ctx, company.URL))

	id, err := c.idGen.NewID()
	if err != nil {
		return intel.CrawlSession{}, nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	now := c.clock.Now().UTC()
	session := intel.CrawlSession{
		ID:        id,
		CompanyID: company.ID,
		Status:    intel.SessionActive,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := c.sessions.Create(ctx, session); err != nil {
		return intel.CrawlSession{}, nil, fmt.Errorf("failed to create crawl session: %w", err)
	}
	c.logger.Info("Starting crawl",
		zap.String("company_id", company.ID),
		zap.String("session_id", session.ID),
		zap.String("url", company.URL),
		zap.Int("sitemap_seeds", seeds))
	return session, f, nil
}

// loop drains the frontier. It returns timedOut=true when the company's time
// limit expired, and a non-nil error only for external cancellation.
func (c *Crawler) loop(ctx context.Context, company intel.Company, session intel.CrawlSession, f *frontier.Frontier) (bool, error) {
	sinceCheckpoint := 0
	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Crawl time limit reached",
					zap.String("company_id", company.ID),
					zap.Int("limit_minutes", company.Config.TimeLimitMinutes))
				return true, nil
			}
			return false, err
		}

		entry, ok := f.Next()
		if !ok {
			return false, nil
		}

		if !c.robots.Allowed(ctx, entry.URL) {
			c.logger.Debug("Skipping disallowed URL",
				zap.String("company_id", company.ID),
				zap.String("url", entry.URL))
			continue
		}
		if err := c.limiter.Wait(ctx, entry.URL); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return true, nil
			}
			return false, err
		}

		result := c.fetchPage(ctx, entry.URL)
		if !result.Success() {
			c.logger.Warn("Page fetch failed",
				zap.String("company_id", company.ID),
				zap.String("url", entry.URL),
				zap.Int("status", result.StatusCode),
				zap.Error(result.Err))
			continue
		}

		f.MarkCrawled(entry.URL)
		c.discoverLinks(f, entry, result)
		c.storePage(ctx, company, entry, result)
		c.publishProgress(ctx, company, f)

		sinceCheckpoint++
		if sinceCheckpoint >= c.cfg.CheckpointEvery {
			c.saveCheckpoint(ctx, session, f)
			sinceCheckpoint = 0
		}
	}
}

// fetchPage tries the browser pool first and falls back to plain HTTP when
// the browser fails or the page yields no content.
func (c *Crawler) fetchPage(ctx context.Context, rawURL string) intel.PageResult {
	result := c.browser.Fetch(ctx, rawURL)
	if result.Success() && len(result.HTML) > 0 {
		telemetry.ObservePageFetched(true, true)
		return result
	}
	telemetry.ObservePageFetched(false, true)

	if ctx.Err() != nil {
		return result
	}
	fallback := c.fallback.Fetch(ctx, rawURL)
	telemetry.ObservePageFetched(fallback.Success(), false)
	if fallback.Success() {
		return fallback
	}
	// Report the browser's result when both fail; it carries more context.
	if result.Err != nil {
		return result
	}
	return fallback
}

// discoverLinks resolves every anchor on the page and offers it to the
// frontier one level deeper.
func (c *Crawler) discoverLinks(f *frontier.Frontier, entry intel.FrontierEntry, result intel.PageResult) {
	base, err := url.Parse(pageURL(entry, result))
	if err != nil {
		return
	}
	for _, href := range fetch.Links(result.HTML) {
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		// Add handles dedup, depth, excludes, and external-platform policy.
		_, _ = f.Add(resolved.String(), entry.Depth+1, entry.URL)
	}
}

// storePage uploads the raw HTML and records the page snapshot. Both are
// best-effort: a storage hiccup loses one page, not the crawl.
func (c *Crawler) storePage(ctx context.Context, company intel.Company, entry intel.FrontierEntry, result intel.PageResult) {
	id, err := c.idGen.NewID()
	if err != nil {
		c.logger.Warn("Failed to generate page id", zap.Error(err))
		return
	}

	uri := ""
	if len(result.HTML) > 0 {
		path := fmt.Sprintf("companies/%s/pages/%s.html", company.ID, id)
		uri, err = c.blobs.PutObject(ctx, path, "text/html; charset=utf-8", result.HTML)
		if err != nil {
			c.logger.Warn("Failed to upload page HTML",
				zap.String("company_id", company.ID),
				zap.String("url", entry.URL),
				zap.Error(err))
			uri = ""
		}
	}

	text := result.Text
	if text == "" {
		text = fetch.VisibleText(result.HTML)
	}
	via := "http"
	if result.UsedBrowser {
		via = "browser"
	}
	snapshot := intel.PageSnapshot{
		ID:         id,
		CompanyID:  company.ID,
		URL:        pageURL(entry, result),
		PageType:   entry.PageType,
		Depth:      entry.Depth,
		StatusCode: result.StatusCode,
		Title:      fetch.Title(result.HTML),
		Text:       text,
		HTMLURI:    uri,
		FetchedVia: via,
		FetchedAt:  c.clock.Now().UTC(),
	}
	if err := c.pageStore.RecordPage(ctx, snapshot); err != nil {
		c.logger.Warn("Failed to record page snapshot",
			zap.String("company_id", company.ID),
			zap.String("url", entry.URL),
			zap.Error(err))
	}
}

func (c *Crawler) publishProgress(ctx context.Context, company intel.Company, f *frontier.Frontier) {
	crawled, queued, _, _ := f.Stats()
	p := intel.Progress{
		CompanyID:    company.ID,
		Phase:        intel.PhaseCrawling,
		PagesCrawled: crawled,
		PagesQueued:  queued,
		Activity:     "crawling site",
		UpdatedAt:    c.clock.Now().UTC(),
	}
	if err := c.progress.Set(ctx, p); err != nil {
		c.logger.Debug("Failed to publish crawl progress",
			zap.String("company_id", company.ID),
			zap.Error(err))
	}
}

// saveCheckpoint persists a frontier snapshot. The store refreshes the
// session's derived counters from the checkpoint in the same write; the
// crawler's stale local copy of the session row never goes back to disk,
// so it cannot clobber a checkpoint or a concurrent pause's status.
func (c *Crawler) saveCheckpoint(ctx context.Context, session intel.CrawlSession, f *frontier.Frontier) {
	cp := f.Snapshot(c.clock.Now())
	if err := c.sessions.SaveCheckpoint(ctx, session.ID, cp); err != nil {
		c.logger.Warn("Failed to save checkpoint",
			zap.String("company_id", session.CompanyID),
			zap.String("session_id", session.ID),
			zap.Error(err))
		return
	}
	telemetry.ObserveCheckpointSaved()
}

func frontierConfig(company intel.Company) (frontier.Config, error) {
	host := frontier.Host(company.URL)
	if host == "" {
		return frontier.Config{}, fmt.Errorf("company URL %q has no host", company.URL)
	}
	return frontier.Config{
		PrimaryHost:     host,
		MaxPages:        company.Config.MaxPages,
		MaxDepth:        company.Config.MaxDepth,
		FollowPlatforms: company.Config.FollowPlatforms,
		ExcludePatterns: company.Config.ExcludePatterns,
	}, nil
}

// pageURL prefers the post-redirect URL for storage and link resolution.
func pageURL(entry intel.FrontierEntry, result intel.PageResult) string {
	if result.FinalURL != "" {
		return result.FinalURL
	}
	return entry.URL
}
