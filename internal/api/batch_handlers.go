package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

type createBatchRequest struct {
	Name          string                 `json:"name"`
	Priority      int                    `json:"priority"`
	MaxConcurrent int                    `json:"max_concurrent"`
	SharedConfig  companyConfigRequest   `json:"shared_config"`
	Companies     []createCompanyRequest `json:"companies"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Companies) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one company is required")
		return
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 1
	}

	batchID, err := s.idGen.NewID()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	shared := intel.CompanyConfig{
		TimeLimitMinutes: valueOrDefault(req.SharedConfig.TimeLimitMinutes, s.cfg.Defaults.TimeLimitMinutes),
		MaxPages:         valueOrDefault(req.SharedConfig.MaxPages, s.cfg.Defaults.MaxPages),
		MaxDepth:         valueOrDefault(req.SharedConfig.MaxDepth, s.cfg.Defaults.MaxDepth),
		FollowPlatforms:  req.SharedConfig.FollowPlatforms,
		ExcludePatterns:  req.SharedConfig.ExcludePatterns,
		Tags:             req.SharedConfig.Tags,
	}
	batch := intel.BatchJob{
		ID:            batchID,
		Name:          req.Name,
		Status:        intel.BatchPending,
		Priority:      req.Priority,
		MaxConcurrent: req.MaxConcurrent,
		SharedConfig:  shared,
		Counts:        intel.BatchCounts{Total: len(req.Companies), Pending: len(req.Companies)},
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.batches.Create(r.Context(), batch); err != nil {
		s.writeDomainError(w, err)
		return
	}

	companyIDs := make([]string, 0, len(req.Companies))
	for _, companyReq := range req.Companies {
		companyReq.BatchID = batchID
		companyReq.Config = mergeConfig(req.SharedConfig, companyReq.Config)
		company, err := s.buildCompany(companyReq)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if err := s.companies.Create(r.Context(), company); err != nil {
			s.writeDomainError(w, err)
			return
		}
		companyIDs = append(companyIDs, company.ID)
	}

	s.logger.Info("Batch created",
		zap.String("batch_id", batchID),
		zap.Int("companies", len(companyIDs)))
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    batchID,
		"company_ids": companyIDs,
	})
}

// mergeConfig overlays per-company overrides on a batch's shared config.
func mergeConfig(shared, override companyConfigRequest) companyConfigRequest {
	merged := shared
	if override.TimeLimitMinutes != nil {
		merged.TimeLimitMinutes = override.TimeLimitMinutes
	}
	if override.MaxPages != nil {
		merged.MaxPages = override.MaxPages
	}
	if override.MaxDepth != nil {
		merged.MaxDepth = override.MaxDepth
	}
	if override.FollowPlatforms != nil {
		merged.FollowPlatforms = override.FollowPlatforms
	}
	if override.ExcludePatterns != nil {
		merged.ExcludePatterns = override.ExcludePatterns
	}
	if override.Tags != nil {
		merged.Tags = override.Tags
	}
	return merged
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	counts, err := s.sched.UpdateCounts(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	batch, err := s.batches.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	batch.Counts = counts
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	if err := s.sched.StartBatch(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	admitted, err := s.sched.ScheduleNextFromAllBatches(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": id,
		"status":   string(intel.BatchProcessing),
		"admitted": admitted,
	})
}

func (s *Server) pauseBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	if err := s.sched.PauseBatch(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": id, "status": string(intel.BatchPaused)})
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	if err := s.sched.ResumeBatch(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": id, "status": string(intel.BatchProcessing)})
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	if err := s.sched.CancelBatch(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"batch_id": id, "status": string(intel.BatchCancelled)})
}
