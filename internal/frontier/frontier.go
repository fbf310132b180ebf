// Package frontier implements the per-company crawl frontier: a priority
// queue of not-yet-fetched URLs with dedup, depth/page limits, and the
// external-platform follow policy.
package frontier

import (
	"container/heap"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// socialPlatforms maps external hostnames to the platform name a company
// config may opt into following.
var socialPlatforms = map[string]string{
	"linkedin.com":  "linkedin",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"facebook.com":  "facebook",
	"instagram.com": "instagram",
	"youtube.com":   "youtube",
	"github.com":    "github",
}

// Config controls frontier limits and policy for one crawl.
type Config struct {
	PrimaryHost     string
	MaxPages        int
	MaxDepth        int
	FollowPlatforms map[string]bool
	ExcludePatterns []string
}

type entry struct {
	url      string
	key      string
	depth    int
	score    float64
	pageType PageType
	foundOn  string
	external bool
	seq      uint64
}

// Frontier is the ordered set of URLs still to crawl for one company.
// Dequeue order is deterministic: lower depth first, then page-type score,
// then discovery order.
type Frontier struct {
	mu       sync.Mutex
	cfg      Config
	heap     entryHeap
	seen     map[string]struct{}
	crawled  []string
	excludes []*regexp.Regexp

	seq              uint64
	dequeued         int
	depthReached     int
	externalFollowed int
	externalSeen     []string
}

// New builds an empty frontier for the given limits and policy.
func New(cfg Config) (*Frontier, error) {
	if cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("frontier max pages must be > 0")
	}
	excludes := make([]*regexp.Regexp, 0, len(cfg.ExcludePatterns))
	for _, pat := range cfg.ExcludePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pat, err)
		}
		excludes = append(excludes, re)
	}
	return &Frontier{
		cfg:      cfg,
		seen:     make(map[string]struct{}),
		excludes: excludes,
	}, nil
}

// Add offers a discovered URL to the frontier. It returns true when the URL
// was enqueued. Duplicates, over-depth URLs, excluded URLs, and external
// links to platforms the config does not follow are all rejected; rejected
// external links are still recorded as discovered-but-not-followed metadata.
func (f *Frontier) Add(rawURL string, depth int, foundOn string) (bool, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return false, err
	}
	key, err := DedupKey(normalized)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, dup := f.seen[key]; dup {
		return false, nil
	}
	if f.cfg.MaxDepth > 0 && depth > f.cfg.MaxDepth {
		return false, nil
	}
	for _, re := range f.excludes {
		if re.MatchString(normalized) {
			return false, nil
		}
	}

	host := Host(normalized)
	external := !sameSite(host, f.cfg.PrimaryHost)
	if external {
		platform, known := matchPlatform(host)
		if !known || !f.cfg.FollowPlatforms[platform] {
			f.externalSeen = append(f.externalSeen, normalized)
			return false, nil
		}
	}

	f.seen[key] = struct{}{}
	kind := ClassifyURL(normalized)
	f.seq++
	heap.Push(&f.heap, &entry{
		url:      normalized,
		key:      key,
		depth:    depth,
		score:    Score(kind),
		pageType: kind,
		foundOn:  foundOn,
		external: external,
		seq:      f.seq,
	})
	return true, nil
}

// Next pops the highest-priority URL. It returns false when the frontier is
// drained or the max-pages dequeue cap is reached.
func (f *Frontier) Next() (intel.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.heap.Len() == 0 || f.dequeued >= f.cfg.MaxPages {
		return intel.FrontierEntry{}, false
	}
	e := heap.Pop(&f.heap).(*entry)
	f.dequeued++
	if e.depth > f.depthReached {
		f.depthReached = e.depth
	}
	if e.external {
		f.externalFollowed++
	}
	return intel.FrontierEntry{
		URL:      e.url,
		Depth:    e.depth,
		Priority: e.score,
		PageType: string(e.pageType),
		FoundOn:  e.foundOn,
	}, true
}

// MarkCrawled records a completed fetch for checkpointing.
func (f *Frontier) MarkCrawled(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawled = append(f.crawled, rawURL)
}

// Len reports how many URLs remain queued.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Stats returns the counters a crawl session snapshot needs.
func (f *Frontier) Stats() (crawled, queued, depthReached, externalFollowed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.crawled), f.heap.Len(), f.depthReached, f.externalFollowed
}

// Snapshot captures the frontier into a versioned checkpoint. Pending entries
// are recorded in dequeue order so a restore reproduces the same ordering.
func (f *Frontier) Snapshot(now time.Time) intel.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := make([]*entry, len(f.heap))
	copy(pending, f.heap)
	sort.Slice(pending, func(i, j int) bool { return f.heap.before(pending[i], pending[j]) })

	cp := intel.Checkpoint{
		Version:               intel.CheckpointVersion,
		Crawled:               append([]string(nil), f.crawled...),
		DepthReached:          f.depthReached,
		ExternalLinksFollowed: f.externalFollowed,
		ExternalLinksSeen:     append([]string(nil), f.externalSeen...),
		PagesCrawled:          len(f.crawled),
		SavedAt:               now,
	}
	for _, e := range pending {
		cp.Pending = append(cp.Pending, intel.FrontierEntry{
			URL:      e.url,
			Depth:    e.depth,
			Priority: e.score,
			PageType: string(e.pageType),
			FoundOn:  e.foundOn,
		})
	}
	return cp
}

// Restore rebuilds a frontier from a checkpoint produced by Snapshot.
func Restore(cfg Config, cp intel.Checkpoint) (*Frontier, error) {
	if cp.Version != intel.CheckpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", cp.Version)
	}
	f, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for _, u := range cp.Crawled {
		key, keyErr := DedupKey(u)
		if keyErr != nil {
			continue
		}
		f.seen[key] = struct{}{}
		f.crawled = append(f.crawled, u)
	}
	f.depthReached = cp.DepthReached
	f.externalFollowed = cp.ExternalLinksFollowed
	f.externalSeen = append(f.externalSeen, cp.ExternalLinksSeen...)
	// Dequeues already spent against the page cap.
	f.dequeued = cp.PagesCrawled

	for _, pe := range cp.Pending {
		key, keyErr := DedupKey(pe.URL)
		if keyErr != nil {
			continue
		}
		if _, dup := f.seen[key]; dup {
			continue
		}
		f.seen[key] = struct{}{}
		f.seq++
		host := Host(pe.URL)
		heap.Push(&f.heap, &entry{
			url:      pe.URL,
			key:      key,
			depth:    pe.Depth,
			score:    pe.Priority,
			pageType: PageType(pe.PageType),
			foundOn:  pe.FoundOn,
			external: !sameSite(host, cfg.PrimaryHost),
			seq:      f.seq,
		})
	}
	return f, nil
}

func sameSite(host, primary string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	primary = strings.TrimPrefix(strings.ToLower(primary), "www.")
	return host == primary
}

func matchPlatform(host string) (string, bool) {
	host = strings.ToLower(host)
	for domain, name := range socialPlatforms {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return name, true
		}
	}
	return "", false
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) before(a, b *entry) bool {
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	if a.score != b.score {
		return a.score > b.score
	}
	return a.seq < b.seq
}

func (h entryHeap) Less(i, j int) bool { return h.before(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
