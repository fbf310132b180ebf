package intel

import (
	"context"
	"time"
)

// CompanyStore persists company records.
//
// SetStatus and SetPhase are conditional writes: they succeed only when the
// stored value still matches the expected one. Two workers racing to move the
// same company can not both win; the loser sees ok=false. The winner of a
// status CAS is the single writer for the record until the next transition and
// may follow up with Save for derived bookkeeping fields.
type CompanyStore interface {
	Create(ctx context.Context, c Company) error
	Get(ctx context.Context, id string) (Company, error)
	Save(ctx context.Context, c Company) error
	Delete(ctx context.Context, id string) error
	ListByBatch(ctx context.Context, batchID string) ([]Company, error)
	// PendingByBatch returns pending companies of a batch, oldest first.
	PendingByBatch(ctx context.Context, batchID string) ([]Company, error)
	// InProgress returns all companies with status in_progress (recovery scan).
	InProgress(ctx context.Context) ([]Company, error)
	SetStatus(ctx context.Context, id string, from, to CompanyStatus) (bool, error)
	SetPhase(ctx context.Context, id string, from, to Phase) (bool, error)
	AddUsage(ctx context.Context, id string, tokens, costCents int64) error
}

// BatchStore persists batch jobs.
type BatchStore interface {
	Create(ctx context.Context, b BatchJob) error
	Get(ctx context.Context, id string) (BatchJob, error)
	Save(ctx context.Context, b BatchJob) error
	// ActiveBatches returns pending/processing batches ordered by
	// (priority asc, created_at asc).
	ActiveBatches(ctx context.Context) ([]BatchJob, error)
	// SetStatus moves the batch to next if its current status is one of from.
	SetStatus(ctx context.Context, id string, from []BatchStatus, to BatchStatus) (bool, error)
}

// SessionStore persists crawl sessions and their checkpoints.
type SessionStore interface {
	Create(ctx context.Context, s CrawlSession) error
	Get(ctx context.Context, id string) (CrawlSession, error)
	Save(ctx context.Context, s CrawlSession) error
	// ActiveForCompany returns the single active or paused session for a
	// company, if any.
	ActiveForCompany(ctx context.Context, companyID string) (CrawlSession, bool, error)
	// SaveCheckpoint attaches the checkpoint and refreshes the session's
	// derived crawl counters from it, without touching status.
	SaveCheckpoint(ctx context.Context, sessionID string, cp Checkpoint) error
	SetStatus(ctx context.Context, sessionID string, status SessionStatus) error
	DeleteForCompany(ctx context.Context, companyID string) error
}

// AnalysisStore persists versioned analysis results.
type AnalysisStore interface {
	// ListVersions returns a company's versions in ascending version order.
	ListVersions(ctx context.Context, companyID string) ([]AnalysisVersion, error)
	Put(ctx context.Context, v AnalysisVersion) error
	DeleteVersion(ctx context.Context, companyID string, version int) error
	DeleteForCompany(ctx context.Context, companyID string) error
}

// PageStore persists crawled page snapshots for the downstream phases.
type PageStore interface {
	RecordPage(ctx context.Context, p PageSnapshot) error
	// PagesForCompany returns a company's snapshots oldest first.
	PagesForCompany(ctx context.Context, companyID string) ([]PageSnapshot, error)
	DeleteForCompany(ctx context.Context, companyID string) error
}

// TaskQueue hands phase work to the distributed task queue. Delivery is
// at-least-once; retry/backoff/timeout policy lives in the dispatcher.
type TaskQueue interface {
	Enqueue(ctx context.Context, queue string, task Task) error
	Dequeue(ctx context.Context, queue string) (Task, error)
}

// ProgressCache is the best-effort ephemeral view of company progress. It is
// never the source of truth; callers fall back to the durable store on a miss.
type ProgressCache interface {
	Set(ctx context.Context, p Progress) error
	Get(ctx context.Context, companyID string) (Progress, bool, error)
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Fetcher retrieves pages, with bounded concurrency for batches.
type Fetcher interface {
	Fetch(ctx context.Context, url string) PageResult
	FetchMultiple(ctx context.Context, urls []string) []PageResult
	Shutdown(ctx context.Context) error
}

// Extractor is the NLP entity-extraction collaborator. The pipeline only
// consumes its success signal and token count.
type Extractor interface {
	Extract(ctx context.Context, companyID string, text string) (entities int, tokens int64, err error)
}

// Analyzer is the text-analysis collaborator producing the intelligence report.
type Analyzer interface {
	Analyze(ctx context.Context, companyID string, corpus string) (report string, tokens int64, err error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
