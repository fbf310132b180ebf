package phases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/crawl"
	"github.com/nine-one-six-systems/prospector/internal/dispatch"
	"github.com/nine-one-six-systems/prospector/internal/intel"
	"github.com/nine-one-six-systems/prospector/internal/lifecycle"
	"github.com/nine-one-six-systems/prospector/internal/scheduler"
)

// costCentsPerMillionTokens converts collaborator token counts into an
// estimated spend for batch accounting.
const costCentsPerMillionTokens = 300

// Handlers implements the four processing phases. Each handler runs its
// phase's work, advances the company, and dispatches the next phase
// explicitly, so a pause between phases simply leaves no next task.
type Handlers struct {
	companies  intel.CompanyStore
	pages      intel.PageStore
	analyses   intel.AnalysisStore
	blobs      intel.BlobStore
	progress   intel.ProgressCache
	machine    *lifecycle.Machine
	dispatcher lifecycle.PhaseDispatcher
	batchOps   *scheduler.Scheduler
	crawler    *crawl.Crawler
	extractor  intel.Extractor
	analyzer   intel.Analyzer
	clock      intel.Clock
	logger     *zap.Logger
}

// New wires the phase handlers.
func New(
	companies intel.CompanyStore,
	pages intel.PageStore,
	analyses intel.AnalysisStore,
	blobs intel.BlobStore,
	progress intel.ProgressCache,
	machine *lifecycle.Machine,
	dispatcher lifecycle.PhaseDispatcher,
	batchOps *scheduler.Scheduler,
	crawler *crawl.Crawler,
	extractor intel.Extractor,
	analyzer intel.Analyzer,
	clock intel.Clock,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		companies:  companies,
		pages:      pages,
		analyses:   analyses,
		blobs:      blobs,
		progress:   progress,
		machine:    machine,
		dispatcher: dispatcher,
		batchOps:   batchOps,
		crawler:    crawler,
		extractor:  extractor,
		analyzer:   analyzer,
		clock:      clock,
		logger:     logger,
	}
}

// Register installs the handlers on the worker.
func (h *Handlers) Register(w *dispatch.Worker) {
	w.Register(intel.PhaseCrawling, h.HandleCrawl)
	w.Register(intel.PhaseExtracting, h.HandleExtract)
	w.Register(intel.PhaseAnalyzing, h.HandleAnalyze)
	w.Register(intel.PhaseGenerating, h.HandleGenerate)
}

// HandleCrawl runs the crawl phase and hands off to extraction.
func (h *Handlers) HandleCrawl(ctx context.Context, task intel.Task) error {
	company, ok, err := h.claim(ctx, task)
	if err != nil || !ok {
		return err
	}
	if err := h.crawler.Run(ctx, company); err != nil {
		return err
	}
	return h.advance(ctx, company.ID, intel.PhaseCrawling, intel.PhaseExtracting)
}

// HandleExtract feeds the crawled corpus to the entity extractor.
func (h *Handlers) HandleExtract(ctx context.Context, task intel.Task) error {
	company, ok, err := h.claim(ctx, task)
	if err != nil || !ok {
		return err
	}

	corpus, pageCount, err := h.corpus(ctx, company.ID)
	if err != nil {
		return err
	}
	if pageCount == 0 {
		return intel.Permanent(fmt.Errorf("no crawled pages for company %s, nothing to extract", company.ID))
	}

	entities, tokens, err := h.extractor.Extract(ctx, company.ID, corpus)
	if err != nil {
		return fmt.Errorf("entity extraction failed for company %s: %w", company.ID, err)
	}
	h.recordUsage(ctx, company.ID, tokens)
	h.publishProgress(ctx, company.ID, intel.PhaseExtracting, pageCount, entities, "extracting entities")

	h.logger.Info("Extraction finished",
		zap.String("company_id", company.ID),
		zap.Int("pages", pageCount),
		zap.Int("entities", entities),
		zap.Int64("tokens", tokens))
	return h.advance(ctx, company.ID, intel.PhaseExtracting, intel.PhaseAnalyzing)
}

// HandleAnalyze produces the next analysis version from the corpus.
func (h *Handlers) HandleAnalyze(ctx context.Context, task intel.Task) error {
	company, ok, err := h.claim(ctx, task)
	if err != nil || !ok {
		return err
	}

	corpus, pageCount, err := h.corpus(ctx, company.ID)
	if err != nil {
		return err
	}

	report, tokens, err := h.analyzer.Analyze(ctx, company.ID, corpus)
	if err != nil {
		return fmt.Errorf("analysis failed for company %s: %w", company.ID, err)
	}

	version, err := h.nextVersion(ctx, company.ID)
	if err != nil {
		return err
	}
	if err := h.analyses.Put(ctx, intel.AnalysisVersion{
		CompanyID: company.ID,
		Version:   version,
		Report:    report,
		Tokens:    tokens,
		CreatedAt: h.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to store analysis v%d for company %s: %w", version, company.ID, err)
	}
	h.recordUsage(ctx, company.ID, tokens)
	h.publishProgress(ctx, company.ID, intel.PhaseAnalyzing, pageCount, 0, "analyzing corpus")

	h.logger.Info("Analysis finished",
		zap.String("company_id", company.ID),
		zap.Int("version", version),
		zap.Int64("tokens", tokens))
	return h.advance(ctx, company.ID, intel.PhaseAnalyzing, intel.PhaseGenerating)
}

// HandleGenerate renders the final report artifact, completes the company,
// and refreshes its batch's counters.
func (h *Handlers) HandleGenerate(ctx context.Context, task intel.Task) error {
	company, ok, err := h.claim(ctx, task)
	if err != nil || !ok {
		return err
	}

	versions, err := h.analyses.ListVersions(ctx, company.ID)
	if err != nil {
		return fmt.Errorf("failed to list analysis versions for company %s: %w", company.ID, err)
	}
	if len(versions) == 0 {
		return intel.Permanent(fmt.Errorf("no analysis version for company %s, cannot generate report", company.ID))
	}
	latest := versions[len(versions)-1]

	path := fmt.Sprintf("companies/%s/report-v%d.md", company.ID, latest.Version)
	uri, err := h.blobs.PutObject(ctx, path, "text/markdown; charset=utf-8", []byte(latest.Report))
	if err != nil {
		return fmt.Errorf("failed to publish report for company %s: %w", company.ID, err)
	}

	if err := h.advance(ctx, company.ID, intel.PhaseGenerating, intel.PhaseCompleted); err != nil {
		return err
	}
	h.publishProgress(ctx, company.ID, intel.PhaseCompleted, 0, 0, "completed")

	if company.BatchID != "" {
		if _, err := h.batchOps.UpdateCounts(ctx, company.BatchID); err != nil {
			h.logger.Warn("Failed to refresh batch counters",
				zap.String("batch_id", company.BatchID),
				zap.Error(err))
		}
		if err := h.batchOps.AggregateTokens(ctx, company.BatchID); err != nil {
			h.logger.Warn("Failed to aggregate batch token usage",
				zap.String("batch_id", company.BatchID),
				zap.Error(err))
		}
	}

	h.logger.Info("Report generated",
		zap.String("company_id", company.ID),
		zap.Int("version", latest.Version),
		zap.String("uri", uri))
	return nil
}

// claim loads the company and decides whether the task should still run.
// Tasks for missing, paused, cancelled, or phase-mismatched companies are
// dropped without error; that is how a pause takes effect between phases.
func (h *Handlers) claim(ctx context.Context, task intel.Task) (intel.Company, bool, error) {
	company, err := h.companies.Get(ctx, task.CompanyID)
	if errors.Is(err, intel.ErrNotFound) {
		h.logger.Warn("Dropping task for unknown company",
			zap.String("company_id", task.CompanyID),
			zap.String("phase", string(task.Phase)))
		return intel.Company{}, false, nil
	}
	if err != nil {
		return intel.Company{}, false, fmt.Errorf("failed to load company %s: %w", task.CompanyID, err)
	}
	if company.Status != intel.StatusInProgress {
		h.logger.Info("Dropping task, company is not in progress",
			zap.String("company_id", company.ID),
			zap.String("status", string(company.Status)),
			zap.String("phase", string(task.Phase)))
		return intel.Company{}, false, nil
	}
	if company.Phase != task.Phase {
		h.logger.Info("Dropping stale task",
			zap.String("company_id", company.ID),
			zap.String("task_phase", string(task.Phase)),
			zap.String("company_phase", string(company.Phase)))
		return intel.Company{}, false, nil
	}
	return company, true, nil
}

// advance moves the company to the next phase and dispatches it. A stale
// transition means another actor (a pause, a cancel, a racing worker) moved
// the company first; the task simply ends.
func (h *Handlers) advance(ctx context.Context, companyID string, from, to intel.Phase) error {
	err := h.machine.AdvancePhase(ctx, companyID, from, to)
	if errors.Is(err, intel.ErrStaleTransition) {
		h.logger.Info("Phase already moved, dropping handoff",
			zap.String("company_id", companyID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return nil
	}
	if err != nil {
		return err
	}
	if to == intel.PhaseCompleted {
		return nil
	}
	if err := h.dispatcher.DispatchPhase(ctx, companyID, to); err != nil {
		return fmt.Errorf("failed to dispatch phase %s for company %s: %w", to, companyID, err)
	}
	return nil
}

// corpus joins the visible text of every crawled page, oldest first.
func (h *Handlers) corpus(ctx context.Context, companyID string) (string, int, error) {
	snapshots, err := h.pages.PagesForCompany(ctx, companyID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load pages for company %s: %w", companyID, err)
	}
	var b strings.Builder
	for _, p := range snapshots {
		if p.Text == "" {
			continue
		}
		if p.Title != "" {
			b.WriteString(p.Title)
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
		b.WriteString("\n\n")
	}
	return b.String(), len(snapshots), nil
}

// nextVersion picks the version the new analysis should occupy: a reserved
// empty slot when a rescan created one, otherwise max+1 after evicting down
// to the retention cap.
func (h *Handlers) nextVersion(ctx context.Context, companyID string) (int, error) {
	versions, err := h.analyses.ListVersions(ctx, companyID)
	if err != nil {
		return 0, fmt.Errorf("failed to list analysis versions for company %s: %w", companyID, err)
	}
	if n := len(versions); n > 0 && versions[n-1].Report == "" {
		return versions[n-1].Version, nil
	}
	for len(versions) >= intel.MaxAnalysisVersions {
		oldest := versions[0]
		if err := h.analyses.DeleteVersion(ctx, companyID, oldest.Version); err != nil {
			return 0, fmt.Errorf("failed to evict analysis v%d for company %s: %w", oldest.Version, companyID, err)
		}
		versions = versions[1:]
	}
	// First analysis is version 0.
	next := 0
	if n := len(versions); n > 0 {
		next = versions[n-1].Version + 1
	}
	return next, nil
}

func (h *Handlers) recordUsage(ctx context.Context, companyID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	costCents := tokens * costCentsPerMillionTokens / 1_000_000
	if err := h.companies.AddUsage(ctx, companyID, tokens, costCents); err != nil {
		h.logger.Warn("Failed to record token usage",
			zap.String("company_id", companyID),
			zap.Error(err))
	}
}

func (h *Handlers) publishProgress(ctx context.Context, companyID string, phase intel.Phase, pages, entities int, activity string) {
	p := intel.Progress{
		CompanyID:         companyID,
		Phase:             phase,
		PagesCrawled:      pages,
		EntitiesExtracted: entities,
		Activity:          activity,
		UpdatedAt:         h.clock.Now().UTC(),
	}
	if err := h.progress.Set(ctx, p); err != nil {
		h.logger.Debug("Failed to publish progress",
			zap.String("company_id", companyID),
			zap.Error(err))
	}
}
