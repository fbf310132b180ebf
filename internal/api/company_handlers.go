package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/frontier"
	"github.com/nine-one-six-systems/prospector/internal/intel"
)

type createCompanyRequest struct {
	Name     string               `json:"name"`
	URL      string               `json:"url"`
	Industry string               `json:"industry"`
	BatchID  string               `json:"batch_id"`
	Config   companyConfigRequest `json:"config"`
}

type companyConfigRequest struct {
	TimeLimitMinutes *int              `json:"time_limit_minutes"`
	MaxPages         *int              `json:"max_pages"`
	MaxDepth         *int              `json:"max_depth"`
	FollowPlatforms  map[string]bool   `json:"follow_platforms"`
	ExcludePatterns  []string          `json:"exclude_patterns"`
	Tags             map[string]string `json:"tags"`
}

func (s *Server) createCompany(w http.ResponseWriter, r *http.Request) {
	var req createCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	company, err := s.buildCompany(req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if req.BatchID != "" {
		if _, err := s.batches.Get(r.Context(), req.BatchID); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	if err := s.companies.Create(r.Context(), company); err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Standalone submissions skip batch scheduling and start right away.
	if company.BatchID == "" {
		if err := s.sched.AdmitNow(r.Context(), company.ID); err != nil {
			s.logger.Error("Failed to start standalone company",
				zap.String("company_id", company.ID),
				zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"company_id": company.ID})
}

func (s *Server) buildCompany(req createCompanyRequest) (intel.Company, error) {
	if req.Name == "" {
		return intel.Company{}, intel.Validationf("name is required")
	}
	normalized, err := frontier.Normalize(req.URL)
	if err != nil {
		return intel.Company{}, intel.Validationf("invalid url: %v", err)
	}

	cfg := intel.CompanyConfig{
		TimeLimitMinutes: valueOrDefault(req.Config.TimeLimitMinutes, s.cfg.Defaults.TimeLimitMinutes),
		MaxPages:         valueOrDefault(req.Config.MaxPages, s.cfg.Defaults.MaxPages),
		MaxDepth:         valueOrDefault(req.Config.MaxDepth, s.cfg.Defaults.MaxDepth),
		FollowPlatforms:  req.Config.FollowPlatforms,
		ExcludePatterns:  req.Config.ExcludePatterns,
		Tags:             req.Config.Tags,
	}
	if cfg.MaxPages <= 0 {
		return intel.Company{}, intel.Validationf("max_pages must be > 0")
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return intel.Company{}, err
	}
	return intel.Company{
		ID:        id,
		Name:      req.Name,
		URL:       normalized,
		Industry:  req.Industry,
		Config:    cfg,
		Status:    intel.StatusPending,
		Phase:     intel.PhaseQueued,
		BatchID:   req.BatchID,
		CreatedAt: s.clock.Now().UTC(),
	}, nil
}

func (s *Server) getCompany(w http.ResponseWriter, r *http.Request) {
	company, err := s.companies.Get(r.Context(), chi.URLParam(r, "company_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, company)
}

func (s *Server) deleteCompany(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "company_id")
	company, err := s.companies.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if company.Status == intel.StatusInProgress {
		s.writeError(w, http.StatusConflict, "company is being processed, cancel it first")
		return
	}

	if err := s.sessions.DeleteForCompany(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.pages.DeleteForCompany(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.analyses.DeleteForCompany(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.companies.Delete(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"company_id": id, "deleted": "true"})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "company_id")
	if p, ok, err := s.progress.Get(r.Context(), id); err == nil && ok {
		s.writeJSON(w, http.StatusOK, p)
		return
	} else if err != nil {
		s.logger.Warn("Progress cache read failed, falling back to store",
			zap.String("company_id", id),
			zap.Error(err))
	}

	company, err := s.companies.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	session, ok, err := s.sessions.ActiveForCompany(r.Context(), id)
	p := intel.Progress{
		CompanyID: company.ID,
		Phase:     company.Phase,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if err == nil && ok {
		p.PagesCrawled = session.PagesCrawled
		p.PagesQueued = session.PagesQueued
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "company_id")
	if _, err := s.companies.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	versions, err := s.analyses.ListVersions(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"company_id": id, "versions": versions})
}

func (s *Server) pauseCompany(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "company_id")
	checkpointed, err := s.machine.Pause(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"company_id":   id,
		"status":       string(intel.StatusPaused),
		"checkpointed": checkpointed,
	})
}

func (s *Server) resumeCompany(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "company_id")
	if err := s.machine.Resume(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"company_id": id, "status": string(intel.StatusInProgress)})
}

func (s *Server) rescanCompany(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "company_id")
	if err := s.machine.Rescan(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	company, err := s.companies.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if company.BatchID == "" {
		if err := s.sched.AdmitNow(r.Context(), id); err != nil {
			s.logger.Error("Failed to restart company after rescan",
				zap.String("company_id", id),
				zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"company_id": id, "status": string(company.Status)})
}

func (s *Server) cancelCompany(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "company_id")
	if err := s.machine.Cancel(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"company_id": id, "status": string(intel.StatusCancelled)})
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
