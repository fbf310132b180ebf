// Package intel defines core types shared across subsystems.
package intel

import (
	"time"
)

// CompanyStatus represents the lifecycle state of a company record.
type CompanyStatus string

// Company status values persisted in the company store.
const (
	StatusPending    CompanyStatus = "pending"
	StatusInProgress CompanyStatus = "in_progress"
	StatusCompleted  CompanyStatus = "completed"
	StatusFailed     CompanyStatus = "failed"
	StatusPaused     CompanyStatus = "paused"
	StatusCancelled  CompanyStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s CompanyStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusInProgress, StatusPaused:
		return false
	}
	return false
}

// Phase is one step of a company's fixed processing pipeline.
type Phase string

// Pipeline phases, in processing order.
const (
	PhaseQueued     Phase = "queued"
	PhaseCrawling   Phase = "crawling"
	PhaseExtracting Phase = "extracting"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseGenerating Phase = "generating"
	PhaseCompleted  Phase = "completed"
)

var phaseOrder = map[Phase]int{
	PhaseQueued:     0,
	PhaseCrawling:   1,
	PhaseExtracting: 2,
	PhaseAnalyzing:  3,
	PhaseGenerating: 4,
	PhaseCompleted:  5,
}

// Next returns the phase that follows p, or false when p is terminal or unknown.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseQueued:
		return PhaseCrawling, true
	case PhaseCrawling:
		return PhaseExtracting, true
	case PhaseExtracting:
		return PhaseAnalyzing, true
	case PhaseAnalyzing:
		return PhaseGenerating, true
	case PhaseGenerating:
		return PhaseCompleted, true
	case PhaseCompleted:
		return "", false
	}
	return "", false
}

// Before reports whether p precedes other in pipeline order.
func (p Phase) Before(other Phase) bool {
	return phaseOrder[p] < phaseOrder[other]
}

// Valid reports whether p is a known pipeline phase.
func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// CompanyConfig captures per-company crawl configuration knobs.
type CompanyConfig struct {
	TimeLimitMinutes int               `json:"time_limit_minutes"`
	MaxPages         int               `json:"max_pages"`
	MaxDepth         int               `json:"max_depth"`
	FollowPlatforms  map[string]bool   `json:"follow_platforms,omitempty"`
	ExcludePatterns  []string          `json:"exclude_patterns,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// Company is one analysis target submitted to the pipeline.
type Company struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	URL            string        `json:"url"`
	Industry       string        `json:"industry,omitempty"`
	Config         CompanyConfig `json:"config"`
	Status         CompanyStatus `json:"status"`
	Phase          Phase         `json:"phase"`
	TokensUsed     int64         `json:"tokens_used"`
	CostCents      int64         `json:"cost_cents"`
	BatchID        string        `json:"batch_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	PausedAt       *time.Time    `json:"paused_at,omitempty"`
	PausedDuration time.Duration `json:"paused_duration"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// SessionStatus represents the lifecycle state of one crawl attempt.
type SessionStatus string

// Crawl session status values.
const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionTimeout   SessionStatus = "timeout"
	SessionFailed    SessionStatus = "failed"
)

// CrawlSession records one crawl attempt for a company.
type CrawlSession struct {
	ID                    string        `json:"id"`
	CompanyID             string        `json:"company_id"`
	PagesCrawled          int           `json:"pages_crawled"`
	PagesQueued           int           `json:"pages_queued"`
	CrawlDepthReached     int           `json:"crawl_depth_reached"`
	ExternalLinksFollowed int           `json:"external_links_followed"`
	Status                SessionStatus `json:"status"`
	Checkpoint            *Checkpoint   `json:"checkpoint,omitempty"`
	StartedAt             time.Time     `json:"started_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// CheckpointVersion is bumped whenever the checkpoint schema changes shape.
const CheckpointVersion = 1

// FrontierEntry is one pending URL inside a checkpoint snapshot.
type FrontierEntry struct {
	URL      string  `json:"url"`
	Depth    int     `json:"depth"`
	Priority float64 `json:"priority"`
	PageType string  `json:"page_type,omitempty"`
	FoundOn  string  `json:"found_on,omitempty"`
}

// Checkpoint holds exactly the state needed to rebuild a crawl on resume.
type Checkpoint struct {
	Version               int             `json:"version"`
	Pending               []FrontierEntry `json:"pending"`
	Crawled               []string        `json:"crawled"`
	DepthReached          int             `json:"depth_reached"`
	ExternalLinksFollowed int             `json:"external_links_followed"`
	ExternalLinksSeen     []string        `json:"external_links_seen,omitempty"`
	PagesCrawled          int             `json:"pages_crawled"`
	SavedAt               time.Time       `json:"saved_at"`
}

// BatchStatus represents the lifecycle state of a batch job.
type BatchStatus string

// Batch status values. Cancelled and paused are externally imposed and are
// never overwritten by a count recompute.
const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchCancelled  BatchStatus = "cancelled"
	BatchPaused     BatchStatus = "paused"
)

// BatchCounts is the denormalized per-status company tally for a batch.
type BatchCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// BatchJob is a named group of companies submitted together.
type BatchJob struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Status        BatchStatus   `json:"status"`
	Counts        BatchCounts   `json:"counts"`
	Priority      int           `json:"priority"`
	MaxConcurrent int           `json:"max_concurrent"`
	SharedConfig  CompanyConfig `json:"shared_config"`
	TokensUsed    int64         `json:"tokens_used"`
	CostCents     int64         `json:"cost_cents"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// AnalysisVersion is one retained analysis result for a company. At most
// MaxAnalysisVersions are kept; rescans evict the oldest first.
type AnalysisVersion struct {
	CompanyID string    `json:"company_id"`
	Version   int       `json:"version"`
	Report    string    `json:"report"`
	Tokens    int64     `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxAnalysisVersions caps how many analysis versions a company retains.
const MaxAnalysisVersions = 3

// PageResult is the outcome of fetching one URL.
type PageResult struct {
	RequestedURL string        `json:"requested_url"`
	FinalURL     string        `json:"final_url"`
	StatusCode   int           `json:"status_code"`
	HTML         []byte        `json:"-"`
	Text         string        `json:"-"`
	Duration     time.Duration `json:"duration"`
	UsedBrowser  bool          `json:"used_browser"`
	Err          error         `json:"-"`
}

// Success reports whether the fetch produced a usable page.
func (p PageResult) Success() bool {
	return p.Err == nil && p.StatusCode > 0 && p.StatusCode < 400
}

// PageSnapshot is one crawled page: the visible text kept inline for the
// extraction phase and a blob URI pointing at the raw HTML.
type PageSnapshot struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"company_id"`
	URL        string    `json:"url"`
	PageType   string    `json:"page_type"`
	Depth      int       `json:"depth"`
	StatusCode int       `json:"status_code"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text,omitempty"`
	HTMLURI    string    `json:"html_uri,omitempty"`
	FetchedVia string    `json:"fetched_via"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Progress is the best-effort real-time view of a company's processing.
type Progress struct {
	CompanyID         string    `json:"company_id"`
	Phase             Phase     `json:"phase"`
	PagesCrawled      int       `json:"pages_crawled"`
	PagesQueued       int       `json:"pages_queued"`
	EntitiesExtracted int       `json:"entities_extracted"`
	Activity          string    `json:"activity,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Task is one unit of phase work handed to the distributed queue.
type Task struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Phase     Phase  `json:"phase"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}
