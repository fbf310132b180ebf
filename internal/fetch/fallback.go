package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

// FallbackConfig controls the non-browser fetcher.
type FallbackConfig struct {
	UserAgent   string
	Timeout     time.Duration
	Concurrency int
}

// FallbackFetcher performs direct HTTP GETs without JavaScript rendering.
// It serves when the browser pool is unavailable or a cheaper fetch
// suffices, e.g. for non-HTML content.
type FallbackFetcher struct {
	baseCollector *colly.Collector
	cfg           FallbackConfig
	logger        *zap.Logger
}

// NewFallbackFetcher constructs a configured plain-HTTP Fetcher.
func NewFallbackFetcher(cfg FallbackConfig, logger *zap.Logger) (*FallbackFetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.Timeout)

	return &FallbackFetcher{
		baseCollector: base,
		cfg:           cfg,
		logger:        logger,
	}, nil
}

type fallbackResult struct {
	statusCode int
	finalURL   string
	body       []byte
	err        error
}

// Fetch retrieves one page over plain HTTP and strips script/style content
// from the markup for the text view.
func (f *FallbackFetcher) Fetch(ctx context.Context, rawURL string) intel.PageResult {
	result := intel.PageResult{RequestedURL: rawURL, FinalURL: rawURL}
	start := time.Now()

	collector := f.baseCollector.Clone()
	resultCh := make(chan fallbackResult, 1)
	var once sync.Once
	send := func(res fallbackResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fallbackResult{
			statusCode: r.StatusCode,
			finalURL:   r.Request.URL.String(),
			body:       append([]byte{}, r.Body...),
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown fetch error")
		}
		res := fallbackResult{err: err}
		if r != nil {
			res.statusCode = r.StatusCode
		}
		send(res)
	})

	if err := collector.Visit(rawURL); err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		telemetry.ObservePageFetched(false, false)
		return result
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		result.StatusCode = res.statusCode
		result.Err = res.err
		if res.finalURL != "" {
			result.FinalURL = res.finalURL
		}
		if res.err == nil {
			result.HTML = res.body
			result.Text = VisibleText(res.body)
		}
	default:
		result.Err = errors.New("fetch produced no result")
	}
	if err := ctx.Err(); err != nil && result.Err == nil {
		result.Err = err
	}
	result.Duration = time.Since(start)
	telemetry.ObservePageFetched(result.Success(), false)
	return result
}

// FetchMultiple fetches a batch with bounded concurrency.
func (f *FallbackFetcher) FetchMultiple(ctx context.Context, urls []string) []intel.PageResult {
	return fetchAll(ctx, f, f.cfg.Concurrency, urls)
}

// Shutdown is a no-op; the fallback fetcher holds no pooled resources.
func (f *FallbackFetcher) Shutdown(context.Context) error { return nil }
