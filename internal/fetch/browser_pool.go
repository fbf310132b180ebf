// Package fetch performs the network retrieval of pages: a pool of
// browser-backed contexts for JavaScript-rendered sites, plus a lightweight
// plain-HTTP fallback.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/telemetry"
)

// ErrPoolClosed indicates the pool has been shut down.
var ErrPoolClosed = errors.New("fetch pool closed")

// PoolConfig controls the browser pool.
type PoolConfig struct {
	Size       int
	NavTimeout time.Duration
	UserAgent  string
	Headless   bool
}

type browserTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// BrowserPool maintains a fixed set of reusable browser contexts. A fetch
// acquires a context, navigates, extracts rendered HTML and visible text,
// and releases the context back to the pool.
type BrowserPool struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	tabs            chan *browserTab
	cfg             PoolConfig
	logger          *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewBrowserPool warms up a browser and pre-creates the tab contexts.
func NewBrowserPool(cfg PoolConfig, logger *zap.Logger) (*BrowserPool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 3
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser warmup: %w", err)
	}

	tabs := make(chan *browserTab, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		tabCtx, tabCancel := chromedp.NewContext(browserCtx)
		tabs <- &browserTab{ctx: tabCtx, cancel: tabCancel}
	}

	return &BrowserPool{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		tabs:            tabs,
		cfg:             cfg,
		logger:          logger,
	}, nil
}

// Fetch navigates one URL in a pooled browser context and returns the
// rendered page. Errors are reported in the result rather than returned.
func (p *BrowserPool) Fetch(ctx context.Context, rawURL string) intel.PageResult {
	result := intel.PageResult{RequestedURL: rawURL, FinalURL: rawURL, UsedBrowser: true}
	start := time.Now()

	tab, err := p.acquire(ctx)
	if err != nil {
		result.Err = err
		return result
	}
	defer p.release(tab)

	taskCtx, cancelTask := context.WithTimeout(tab.ctx, p.cfg.NavTimeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	// Listen on the per-fetch context so the listener detaches when this
	// fetch ends; a pooled tab must not accumulate listeners across reuses.
	meta := newResponseMeta()
	recordResponse(taskCtx, meta)

	var html, text string
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(p.cfg.UserAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Text("body", &text, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		result.Err = fmt.Errorf("browser navigate: %w", err)
		result.Duration = time.Since(start)
		telemetry.ObservePageFetched(false, true)
		return result
	}

	result.FinalURL = meta.finalURL(rawURL)
	result.StatusCode = meta.status()
	result.HTML = []byte(html)
	result.Text = collapseWhitespace(text)
	result.Duration = time.Since(start)
	telemetry.ObservePageFetched(result.Success(), true)
	return result
}

// FetchMultiple fetches a batch with concurrency bounded by the pool size.
// An empty input returns an empty result set.
func (p *BrowserPool) FetchMultiple(ctx context.Context, urls []string) []intel.PageResult {
	return fetchAll(ctx, p, p.cfg.Size, urls)
}

// Shutdown releases all pooled contexts and the browser. Safe to call when
// the pool was never initialized and safe to call twice.
func (p *BrowserPool) Shutdown(_ context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tabs)
	for tab := range p.tabs {
		tab.cancel()
	}
	p.browserCancel()
	p.allocatorCancel()
	return nil
}

func (p *BrowserPool) acquire(ctx context.Context) (*browserTab, error) {
	select {
	case tab, ok := <-p.tabs:
		if !ok {
			return nil, ErrPoolClosed
		}
		return tab, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser context: %w", ctx.Err())
	}
}

func (p *BrowserPool) release(tab *browserTab) {
	// The send stays under the lock so Shutdown cannot close the channel
	// between the closed check and the send. tabs is buffered to pool size,
	// so the send never blocks.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		tab.cancel()
		return
	}
	p.tabs <- tab
}

type responseMeta struct {
	once       sync.Once
	mu         sync.Mutex
	statusCode int
	headers    http.Header
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: make(http.Header)}
}

func (m *responseMeta) finalURL(raw string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url == "" {
		return raw
	}
	return m.url
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusCode == 0 {
		return http.StatusOK
	}
	return m.statusCode
}

func recordResponse(fetchCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(fetchCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.mu.Lock()
			defer meta.mu.Unlock()
			meta.statusCode = int(resp.Response.Status)
			meta.url = resp.Response.URL
			for k, v := range resp.Response.Headers {
				meta.headers.Add(k, fmt.Sprint(v))
			}
		})
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// fetchAll runs fetches with a bounded number of in-flight requests,
// preserving input order in the result slice.
func fetchAll(ctx context.Context, f interface {
	Fetch(ctx context.Context, url string) intel.PageResult
}, bound int, urls []string,
) []intel.PageResult {
	if len(urls) == 0 {
		return []intel.PageResult{}
	}
	if bound <= 0 {
		bound = 1
	}
	results := make([]intel.PageResult, len(urls))
	sem := make(chan struct{}, bound)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = f.Fetch(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return results
}
