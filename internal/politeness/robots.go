package politeness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Robots checks per-domain robots.txt policy. Fetched policies are cached
// with a TTL and shared across crawls. When a policy declares a crawl delay
// the limiter's minimum interval for that domain is raised to match.
type Robots struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	limiter   *RateLimiter
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// NewRobots builds a robots checker. limiter may be nil when crawl delays
// should not feed back into rate limiting (tests).
func NewRobots(userAgent string, ttl time.Duration, limiter *RateLimiter, logger *zap.Logger) *Robots {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Robots{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		ttl:       ttl,
		limiter:   limiter,
		logger:    logger,
		cache:     make(map[string]robotsEntry),
	}
}

// Allowed reports whether the URL may be fetched. Fetch failures for
// robots.txt itself fail open: the site is treated as allowing access.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

// Sitemaps returns the sitemap URLs declared by the site's robots.txt.
func (r *Robots) Sitemaps(ctx context.Context, siteURL string) []string {
	parsed, err := url.Parse(siteURL)
	if err != nil {
		return nil
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		return nil
	}
	return append([]string(nil), data.Sitemaps...)
}

func (r *Robots) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)

	r.mu.Lock()
	cached, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < r.ttl {
		return cached.data, nil
	}

	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	r.mu.Lock()
	r.cache[hostKey] = robotsEntry{data: data, fetchedAt: time.Now()}
	r.mu.Unlock()

	if r.limiter != nil {
		if group := data.FindGroup(r.userAgent); group != nil && group.CrawlDelay > 0 {
			r.limiter.SetCrawlDelay(parsed.Hostname(), group.CrawlDelay)
		}
	}
	return data, nil
}
