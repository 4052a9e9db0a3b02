package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"snm/adinventory/database"
	"snm/adinventory/dell"
	"snm/adinventory/jobs"
)

// jobView is a job snapshot augmented with the derived progress fields.
type jobView struct {
	jobs.Job
	ProgressPercent        int    `json:"progress_percent"`
	EstimatedTimeRemaining string `json:"estimated_time_remaining,omitempty"`
}

func newJobView(job jobs.Job) jobView {
	view := jobView{Job: job, ProgressPercent: job.ProgressPercent()}
	if remaining, ok := job.EstimatedRemaining(time.Now()); ok {
		view.EstimatedTimeRemaining = remaining.Round(time.Second).String()
	}
	return view
}

// handleComputerWarranty returns the cached warranty row, refreshing it
// first when forced or stale.
func (s *Server) handleComputerWarranty(w http.ResponseWriter, r *http.Request) {
	computer, err := s.store.GetComputerByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondFor(w, err)
		return
	}

	row, err := s.store.GetWarranty(r.Context(), computer.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		respondFor(w, err)
		return
	}

	force := r.URL.Query().Get("force") == "1"
	stale := row == nil || database.NeedsUpdate(row.CacheExpiresAt, row.LastError, true, time.Now())
	if force || stale {
		row, err = s.refreshWarranty(r.Context(), computer)
		if err != nil {
			respondFor(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, warrantyResponse(computer.Name, row))
}

// handleComputerWarrantyRefresh always hits the vendor.
func (s *Server) handleComputerWarrantyRefresh(w http.ResponseWriter, r *http.Request) {
	computer, err := s.store.GetComputerByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondFor(w, err)
		return
	}

	row, err := s.refreshWarranty(r.Context(), computer)
	if err != nil {
		respondFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, warrantyResponse(computer.Name, row))
}

// refreshWarranty looks the computer's tag up at the vendor and
// persists the outcome, failures included, before re-reading the row.
func (s *Server) refreshWarranty(ctx context.Context, computer *database.Computer) (*database.WarrantyRow, error) {
	tag, ok := s.store.ServiceTag(ctx, computer)
	if !ok {
		return nil, &dell.LookupError{Code: dell.CodeInvalidServiceTag, Message: "no service tag derivable from " + computer.Name}
	}

	warranty, err := s.vendor.Lookup(ctx, tag)
	if err != nil {
		if code := dell.CodeOf(err); code != "" {
			if saveErr := s.store.SaveWarrantyError(ctx, computer.ID, code, err.Error()); saveErr != nil {
				s.log.Warn("warranty error write failed", zap.String("computer", computer.Name), zap.Error(saveErr))
			}
		}
		return nil, err
	}

	if err := s.store.SaveWarranty(ctx, computer.ID, warranty); err != nil {
		return nil, err
	}
	return s.store.GetWarranty(ctx, computer.ID)
}

func warrantyResponse(computerName string, row *database.WarrantyRow) any {
	if row == nil {
		return map[string]any{"computer_name": computerName, "warranty": nil}
	}
	row.ComputerName = computerName
	return row
}

// handleStartWarrantyJob launches the fleet refresh engine. Only one
// job runs at a time; a second start reports the active one.
func (s *Server) handleStartWarrantyJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UpdateAll bool `json:"update_all"`
	}
	// Body is optional.
	_ = decodeBody(r, &body)

	jobID, blocking, ok := s.registry.CreateExclusive(jobs.KindWarrantyRefresh)
	if !ok {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":  "a refresh job is already running",
			"job_id": blocking.ID,
		})
		return
	}

	go func() {
		if err := s.engine.Run(context.Background(), jobID, body.UpdateAll); err != nil {
			s.log.Error("warranty job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	respondJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handleWarrantyJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Get(chi.URLParam(r, "jobID"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown job")
		return
	}
	respondJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	active := s.registry.Active(jobs.KindWarrantyRefresh)
	views := make([]jobView, len(active))
	for i, job := range active {
		views[i] = newJobView(job)
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

// handleWarrantyLookup is the direct vendor path, bypassing the cache.
func (s *Server) handleWarrantyLookup(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(chi.URLParam(r, "serviceTag"))
	if tag == "" {
		respondError(w, http.StatusBadRequest, "service tag is required")
		return
	}

	warranty, err := s.vendor.Lookup(r.Context(), tag)
	if err != nil {
		respondFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, warranty)
}

// handleWarrantiesFromDB lists cached rows with filters and the count
// of rows due for a refresh.
func (s *Server) handleWarrantiesFromDB(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	rows, total, err := s.store.ListWarranties(r.Context(), q.Get("status"), q.Get("organization"), q.Get("search"), limit, offset)
	if err != nil {
		respondFor(w, err)
		return
	}

	needsUpdate := 0
	now := time.Now()
	for i := range rows {
		if database.NeedsUpdate(rows[i].CacheExpiresAt, rows[i].LastError, true, now) {
			needsUpdate++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"warranties":         rows,
		"total":              total,
		"needs_update_count": needsUpdate,
		"limit":              limit,
		"offset":             offset,
	})
}
