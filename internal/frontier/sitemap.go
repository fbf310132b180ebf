package frontier

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	// maxSitemapFetches bounds recursive sitemap-index expansion so a hostile
	// or misconfigured site cannot drive unbounded fetching.
	maxSitemapFetches = 8
	maxSitemapBytes   = 4 << 20
)

// Seeder discovers sitemap entries and feeds them to the frontier before
// organic link discovery begins.
type Seeder struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewSeeder builds a sitemap seeder.
func NewSeeder(userAgent string, logger *zap.Logger) *Seeder {
	return &Seeder{
		client:    &http.Client{Timeout: 15 * time.Second},
		userAgent: userAgent,
		logger:    logger,
	}
}

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Seed fetches the site's sitemaps and enqueues their entries at depth 1.
// Candidate sitemap URLs from robots.txt may be passed in; the conventional
// /sitemap.xml location is always tried as well. Returns the number of URLs
// enqueued. Seeding is best-effort: fetch and parse failures only log.
func (s *Seeder) Seed(ctx context.Context, f *Frontier, siteURL string, robotsSitemaps []string) int {
	candidates := append([]string(nil), robotsSitemaps...)
	if conventional, err := conventionalSitemapURL(siteURL); err == nil {
		candidates = append(candidates, conventional)
	}

	seeded := 0
	budget := maxSitemapFetches
	seen := make(map[string]struct{})
	queue := candidates
	for len(queue) > 0 && budget > 0 {
		loc := queue[0]
		queue = queue[1:]
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		budget--

		body, err := s.fetch(ctx, loc)
		if err != nil {
			s.logger.Debug("sitemap fetch failed", zap.String("url", loc), zap.Error(err))
			continue
		}

		var index sitemapIndex
		if xml.Unmarshal(body, &index) == nil && len(index.Sitemaps) > 0 {
			for _, child := range index.Sitemaps {
				queue = append(queue, child.Loc)
			}
			continue
		}

		var urlset sitemapURLSet
		if err := xml.Unmarshal(body, &urlset); err != nil {
			s.logger.Debug("sitemap parse failed", zap.String("url", loc), zap.Error(err))
			continue
		}
		for _, u := range urlset.URLs {
			added, addErr := f.Add(u.Loc, 1, loc)
			if addErr == nil && added {
				seeded++
			}
		}
	}
	return seeded
}

func (s *Seeder) fetch(ctx context.Context, loc string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("new sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("close sitemap body failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sitemap status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("read sitemap body: %w", err)
	}
	return body, nil
}

func conventionalSitemapURL(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}
	u.Path = "/sitemap.xml"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
