// Package politeness implements the crawler's behavior toward crawled sites:
// per-domain request pacing and robots.txt compliance.
package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nine-one-six-systems/prospector/internal/frontier"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

// RateLimiter paces requests per domain. State is keyed by host and shared
// across all concurrently crawling companies, so two crawls against the same
// domain interleave under one budget.
type RateLimiter struct {
	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	intervals       map[string]time.Duration
	defaultInterval time.Duration
}

// NewRateLimiter creates a limiter with the given default per-domain minimum
// interval. A non-positive interval defaults to one request per second.
func NewRateLimiter(defaultInterval time.Duration) *RateLimiter {
	if defaultInterval <= 0 {
		defaultInterval = time.Second
	}
	return &RateLimiter{
		limiters:        make(map[string]*rate.Limiter),
		intervals:       make(map[string]time.Duration),
		defaultInterval: defaultInterval,
	}
}

// Wait blocks until the domain's minimum interval has elapsed since the last
// request to it, or the context ends.
func (l *RateLimiter) Wait(ctx context.Context, rawURL string) error {
	host := frontier.Host(rawURL)
	if host == "" {
		host = "unknown"
	}
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// SetCrawlDelay merges a robots-declared crawl delay for a domain. The
// effective interval is the max of the configured default and the declared
// delay; a declared delay can never speed a domain up.
func (l *RateLimiter) SetCrawlDelay(host string, delay time.Duration) {
	if delay <= l.defaultInterval {
		return
	}
	key := strings.ToLower(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.intervals[key]; ok && current >= delay {
		return
	}
	l.intervals[key] = delay
	if limiter, ok := l.limiters[key]; ok {
		limiter.SetLimit(rate.Every(delay))
	}
}

func (l *RateLimiter) limiterFor(host string) *rate.Limiter {
	key := strings.ToLower(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}
	interval := l.defaultInterval
	if override, ok := l.intervals[key]; ok && override > interval {
		interval = override
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	l.limiters[key] = limiter
	return limiter
}
