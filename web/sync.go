package web

import (
	"net/http"
	"strconv"
)

const syncTrigger = "api"

func (s *Server) handleSyncIncremental(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.Incremental(r.Context(), syncTrigger)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncComplete(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.Complete(r.Context(), syncTrigger)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	lastRun, lastErr := s.scheduler()
	status := map[string]any{"last_run": lastRun}
	if lastErr != "" {
		status["last_error"] = lastErr
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.store.RecentSyncLogs(r.Context(), limit)
	if err != nil {
		respondFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}
