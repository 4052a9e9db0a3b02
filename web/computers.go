package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"snm/adinventory/activedirectory"
	"snm/adinventory/database"
	"snm/adinventory/jobs"
	"snm/adinventory/probe"
	"snm/adinventory/servicetag"
)

// handleListComputers serves the flat computer list, either from the
// cache or straight from the directory.
func (s *Server) handleListComputers(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "sql"
	}

	switch source {
	case "sql":
		computers, err := s.store.ListComputers(r.Context(), r.URL.Query().Get("inventory_filter"))
		if err != nil {
			respondFor(w, err)
			return
		}
		respondJSON(w, http.StatusOK, computers)
	case "ad":
		records, err := s.directory.ListComputers(r.Context())
		if err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		out := make([]liveRecord, len(records))
		for i, rec := range records {
			out[i] = newLiveRecord(rec)
		}
		respondJSON(w, http.StatusOK, out)
	default:
		respondError(w, http.StatusBadRequest, "source must be sql or ad")
	}
}

// liveRecord is a directory record as served by source=ad.
type liveRecord struct {
	Name                   string     `json:"name"`
	DistinguishedName      string     `json:"dn"`
	DNSHostName            string     `json:"dns_hostname"`
	Enabled                bool       `json:"is_enabled"`
	UserAccountControl     int64      `json:"user_account_control"`
	Organization           string     `json:"organization"`
	OperatingSystem        string     `json:"os"`
	OperatingSystemVersion string     `json:"os_version"`
	LastLogon              *time.Time `json:"last_logon"`
	Created                *time.Time `json:"created"`
	Description            string     `json:"description"`
}

func newLiveRecord(rec activedirectory.Record) liveRecord {
	return liveRecord{
		Name:                   rec.Name,
		DistinguishedName:      rec.DistinguishedName,
		DNSHostName:            rec.DNSHostName,
		Enabled:                rec.Enabled(),
		UserAccountControl:     rec.UserAccountControl,
		Organization:           servicetag.SiteOf(rec.Name),
		OperatingSystem:        rec.OperatingSystem,
		OperatingSystemVersion: rec.OperatingSystemVersion,
		LastLogon:              rec.LastLogon,
		Created:                rec.WhenCreated,
		Description:            rec.Description,
	}
}

func (s *Server) handleComputerDetails(w http.ResponseWriter, r *http.Request) {
	computer, err := s.store.GetComputerByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondFor(w, err)
		return
	}

	details := struct {
		database.Computer
		ServiceTag string `json:"service_tag,omitempty"`
	}{Computer: *computer}
	if tag, ok := s.store.ServiceTag(r.Context(), computer); ok {
		details.ServiceTag = tag
	}
	respondJSON(w, http.StatusOK, details)
}

func (s *Server) handleLastUser(w http.ResponseWriter, r *http.Request) {
	computer, err := s.store.GetComputerByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"computer_name":    computer.Name,
		"usuario_atual":    computer.CurrentUser,
		"usuario_anterior": computer.PreviousUser,
	})
}

// handleToggleStatus enables or disables the machine account in the
// directory and mirrors the result into the cache. Already-in-state is
// a 200, not an error.
func (s *Server) handleToggleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.Action != "enable" && body.Action != "disable" {
		respondError(w, http.StatusBadRequest, "action must be enable or disable")
		return
	}

	name := chi.URLParam(r, "name")
	result, err := s.directory.SetEnabled(r.Context(), name, body.Action == "enable")
	if err != nil {
		respondFor(w, err)
		return
	}

	if !result.AlreadyInDesiredState {
		uac := result.NewUAC
		if err := s.store.SetEnabled(r.Context(), result.Name, !result.Disabled, &uac); err != nil {
			// The directory write already happened; the next sync
			// reconciles the cache.
			s.log.Warn("cache update after toggle failed", zap.String("computer", result.Name), zap.Error(err))
		}
	}
	respondJSON(w, http.StatusOK, result)
}

// handleCurrentUser probes one host. The result is written back to the
// cache unless force=1, which makes the probe a dry run.
func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	computer, err := s.store.GetComputerByName(r.Context(), name)
	if err != nil {
		respondFor(w, err)
		return
	}

	result := s.prober.Probe(r.Context(), computer.Name)
	if result.Success() && r.URL.Query().Get("force") != "1" && result.User != computer.CurrentUser {
		if err := s.store.SetCurrentUser(r.Context(), computer.Name, result.User); err != nil {
			respondFor(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":       result.Success(),
		"status":        result.Status(),
		"computer_name": computer.Name,
		"result":        result,
	})
}

// handleBulkUpdateUsers starts a fleet-wide probe as a background job.
func (s *Server) handleBulkUpdateUsers(w http.ResponseWriter, r *http.Request) {
	computers, err := s.store.ListComputers(r.Context(), "")
	if err != nil {
		respondFor(w, err)
		return
	}

	hosts := make([]probe.Host, 0, len(computers))
	for _, c := range computers {
		if !c.Enabled {
			continue
		}
		hosts = append(hosts, probe.Host{Name: c.Name, CurrentUser: c.CurrentUser})
	}

	jobID, blocking, ok := s.registry.CreateExclusive(jobs.KindFleetScan)
	if !ok {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":  "a fleet scan is already running",
			"job_id": blocking.ID,
		})
		return
	}

	go func() {
		if _, err := s.fleet.Scan(context.Background(), jobID, hosts); err != nil {
			s.log.Error("fleet scan failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"total":  len(hosts),
	})
}
